package centroids

import (
	"bytes"
	"encoding/json"
	"fmt"

	"speaker-id/internal/embeddings"
)

// Decode parses a centroid document of the form
//
//	{"alice": [[0.01, ...]], "bob": [[...]]}
//
// Each value is a one-row matrix holding the speaker's vector. Entries that do
// not follow that shape are reported as shape issues: a flat vector is
// accepted, extra rows are ignored, and entries without a usable vector are
// dropped. Key order is preserved.
func Decode(data []byte) (*Snapshot, []Issue, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("%w: expected object, got %v", ErrMalformed, tok)
	}

	var (
		entries []Entry
		issues  []Issue
	)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		name, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("%w: expected key, got %v", ErrMalformed, tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, fmt.Errorf("%w: value for %q: %v", ErrMalformed, name, err)
		}
		vec, issue := decodeEntry(name, raw)
		if issue != nil {
			issues = append(issues, *issue)
		}
		if vec != nil {
			entries = append(entries, Entry{Name: name, Vector: vec})
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return NewSnapshot(entries), issues, nil
}

func decodeEntry(name string, raw json.RawMessage) (embeddings.Vector, *Issue) {
	var rows [][]float64
	if err := json.Unmarshal(raw, &rows); err == nil {
		switch len(rows) {
		case 0:
			return nil, &Issue{Speaker: name, Kind: IssueShape, Detail: "no vector rows"}
		case 1:
			return embeddings.Vector(rows[0]), nil
		default:
			return embeddings.Vector(rows[0]), &Issue{Speaker: name, Kind: IssueShape,
				Detail: fmt.Sprintf("%d vector rows, using the first", len(rows))}
		}
	}
	var flat []float64
	if err := json.Unmarshal(raw, &flat); err == nil {
		return embeddings.Vector(flat), &Issue{Speaker: name, Kind: IssueShape, Detail: "vector not wrapped in a row list"}
	}
	return nil, &Issue{Speaker: name, Kind: IssueShape, Detail: "value is not a numeric vector"}
}

// Encode renders s in file order using the one-row wrapping.
func Encode(s *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range s.Entries() {
		if i > 0 {
			buf.WriteString(", ")
		}
		key, err := json.Marshal(e.Name)
		if err != nil {
			return nil, err
		}
		rows, err := json.Marshal([][]float64{e.Vector})
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", e.Name, err)
		}
		buf.Write(key)
		buf.WriteString(": ")
		buf.Write(rows)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
