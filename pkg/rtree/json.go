package rtree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Wire format of a render tree or diff. An object with a "dynamics" key is a
// Comprehension; any other object is a Branch with its statics under
// "static" and its slot values under decimal string keys. Strings and
// numbers are leaves.
const (
	wireStatic   = "static"
	wireDynamics = "dynamics"
)

// ParseDiff parses the JSON wire form of a render tree or diff.
func ParseDiff(data []byte) (Node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse diff: %w", err)
	}
	return fromRaw(raw)
}

func fromRaw(raw any) (Node, error) {
	switch raw := raw.(type) {
	case string:
		return Leaf(raw), nil
	case json.Number:
		return Leaf(raw.String()), nil
	case bool:
		return Leaf(strconv.FormatBool(raw)), nil
	case nil:
		return Leaf(""), nil
	case map[string]any:
		return objectFromRaw(raw)
	}
	return nil, fmt.Errorf("parse diff: unexpected value of type %T", raw)
}

func objectFromRaw(raw map[string]any) (Node, error) {
	statics, err := staticsFromRaw(raw[wireStatic])
	if err != nil {
		return nil, err
	}
	if rawRows, ok := raw[wireDynamics]; ok {
		rows, err := rowsFromRaw(rawRows)
		if err != nil {
			return nil, err
		}
		return &Comprehension{Statics: statics, Rows: rows}, nil
	}
	branch := &Branch{Statics: statics, Dynamics: make(map[int]Node)}
	for key, value := range raw {
		if key == wireStatic {
			continue
		}
		slot, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("parse diff: non-numeric slot key %q", key)
		}
		node, err := fromRaw(value)
		if err != nil {
			return nil, err
		}
		branch.Dynamics[slot] = node
	}
	return branch, nil
}

func staticsFromRaw(raw any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("parse diff: statics is %T, want array", raw)
	}
	statics := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("parse diff: static fragment is %T, want string", item)
		}
		statics[i] = s
	}
	return statics, nil
}

func rowsFromRaw(raw any) ([][]Node, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("parse diff: dynamics is %T, want array", raw)
	}
	rows := make([][]Node, len(items))
	for i, rawRow := range items {
		rowItems, ok := rawRow.([]any)
		if !ok {
			return nil, fmt.Errorf("parse diff: dynamics row is %T, want array", rawRow)
		}
		row := make([]Node, len(rowItems))
		for j, rawValue := range rowItems {
			node, err := fromRaw(rawValue)
			if err != nil {
				return nil, err
			}
			row[j] = node
		}
		rows[i] = row
	}
	return rows, nil
}

// MarshalJSON marshals the leaf as a JSON string.
func (l Leaf) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(l))
}

// MarshalJSON marshals the branch in the wire format.
func (b *Branch) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	if b.Statics != nil {
		writeKey(&buf, &first, wireStatic)
		writeJSON(&buf, b.Statics)
	}
	for _, slot := range sortedSlots(b.Dynamics) {
		writeKey(&buf, &first, strconv.Itoa(slot))
		writeJSON(&buf, b.Dynamics[slot])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON marshals the comprehension in the wire format.
func (c *Comprehension) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	if c.Statics != nil {
		writeKey(&buf, &first, wireStatic)
		writeJSON(&buf, c.Statics)
	}
	writeKey(&buf, &first, wireDynamics)
	rows := c.Rows
	if rows == nil {
		rows = [][]Node{}
	}
	writeJSON(&buf, rows)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func sortedSlots(dynamics map[int]Node) []int {
	slots := make([]int, 0, len(dynamics))
	for slot := range dynamics {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	return slots
}

func writeKey(buf *bytes.Buffer, first *bool, key string) {
	if !*first {
		buf.WriteByte(',')
	}
	*first = false
	buf.WriteByte('"')
	buf.WriteString(key)
	buf.WriteString(`":`)
}

func writeJSON(buf *bytes.Buffer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		// The value is built from strings and Nodes only; this cannot fail.
		panic(err)
	}
	buf.Write(data)
}
