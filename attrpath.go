package disclose

import (
	"fmt"
	"strconv"
	"strings"
)

// PathChoice selects one row of a nested form list. When Field is set the
// rows are filtered by Field == Value and Index counts within the matches;
// a bare index ({::N}) addresses the list positionally.
type PathChoice struct {
	Field string `json:"field,omitempty"`
	Value *int   `json:"value,omitempty"`
	Index int    `json:"index"`
}

func (c PathChoice) spec() string {
	value := ""
	if c.Value != nil {
		value = strconv.Itoa(*c.Value)
	}
	return fmt.Sprintf("{%s:%s:%d}", c.Field, value, c.Index)
}

// AttributePath addresses a single attribute inside a nested value tree.
// Each node names one form level; SubPath points outward toward the root,
// so resolution walks the chain root-first. RowID is filled in lazily by
// the revision subsystem once the physical row is known.
type AttributePath struct {
	Form      string         `json:"form"`
	Choice    PathChoice     `json:"choice"`
	Attribute string         `json:"attribute"`
	RowID     *int           `json:"row_id,omitempty"`
	SubPath   *AttributePath `json:"sub_path,omitempty"`
}

// ParseAttributePath parses "form.{field:value:index}.attribute" paths,
// with arbitrarily many form.{choice} pairs before the attribute. The
// form and choice segments are optional: a bare attribute name addresses
// the root row directly. Any other deviation from the grammar is a
// path_malformed error; a leftover unpaired segment is rejected rather
// than ignored.
func ParseAttributePath(path string) (*AttributePath, error) {
	segments := strings.Split(path, ".")
	if len(segments)%2 == 0 {
		return nil, NewPathMalformedError(path)
	}
	attribute := segments[len(segments)-1]
	if attribute == "" {
		return nil, NewPathMalformedError(path)
	}
	if len(segments) == 1 {
		return &AttributePath{Attribute: attribute}, nil
	}

	var head, tail *AttributePath
	for i := len(segments) - 2; i >= 1; i -= 2 {
		choice, err := parsePathChoice(segments[i], path)
		if err != nil {
			return nil, err
		}
		form := segments[i-1]
		if form == "" {
			return nil, NewPathMalformedError(path)
		}
		node := &AttributePath{Form: form, Choice: choice, Attribute: attribute}
		if head == nil {
			head = node
		} else {
			tail.SubPath = node
		}
		tail = node
	}
	return head, nil
}

func parsePathChoice(spec, path string) (PathChoice, error) {
	if !strings.HasPrefix(spec, "{") || !strings.HasSuffix(spec, "}") {
		return PathChoice{}, NewPathMalformedError(path)
	}
	parts := strings.Split(spec[1:len(spec)-1], ":")
	if len(parts) != 3 {
		return PathChoice{}, NewPathMalformedError(path).
			WithDetail("segment", spec)
	}
	field, valueStr, indexStr := parts[0], parts[1], parts[2]
	if indexStr == "" {
		return PathChoice{}, NewPathMalformedError(path).
			WithDetail("reason", "missing index")
	}
	index, err := strconv.Atoi(indexStr)
	if err != nil || index < 0 {
		return PathChoice{}, NewPathMalformedError(path).
			WithDetail("reason", "invalid index")
	}
	choice := PathChoice{Field: field, Index: index}
	if field == "" {
		if valueStr != "" {
			return PathChoice{}, NewPathMalformedError(path).
				WithDetail("reason", "choice value without field")
		}
		return choice, nil
	}
	if valueStr == "" {
		return PathChoice{}, NewPathMalformedError(path).
			WithDetail("reason", "choice field without value")
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return PathChoice{}, NewPathMalformedError(path).
			WithDetail("reason", "non-integer choice value")
	}
	choice.Value = &value
	return choice, nil
}

// String renders the path back to its source form. It is the exact
// inverse of ParseAttributePath.
func (p *AttributePath) String() string {
	nodes := p.chain()
	var b strings.Builder
	for _, n := range nodes {
		if n.Form == "" {
			continue
		}
		b.WriteString(n.Form)
		b.WriteString(".")
		b.WriteString(n.Choice.spec())
		b.WriteString(".")
	}
	b.WriteString(p.Attribute)
	return b.String()
}

// chain returns the path nodes ordered root-first.
func (p *AttributePath) chain() []*AttributePath {
	var nodes []*AttributePath
	for n := p; n != nil; n = n.SubPath {
		nodes = append(nodes, n)
	}
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	return nodes
}

// RelativeTo drops a leading segment naming the given root form, so a
// path can address a submission's values either directly or through the
// root form name. The receiver is left untouched; the returned path
// shares no nodes with it.
func (p *AttributePath) RelativeTo(rootForm string) *AttributePath {
	nodes := p.chain()
	if nodes[0].Form != rootForm {
		return p
	}
	if len(nodes) == 1 {
		return &AttributePath{Attribute: p.Attribute}
	}
	var head, tail *AttributePath
	for i := len(nodes) - 1; i >= 1; i-- {
		node := &AttributePath{
			Form:      nodes[i].Form,
			Choice:    nodes[i].Choice,
			Attribute: nodes[i].Attribute,
			RowID:     nodes[i].RowID,
		}
		if head == nil {
			head = node
		} else {
			tail.SubPath = node
		}
		tail = node
	}
	return head
}

// resolveRow walks the value tree and returns the row map holding the
// addressed attribute.
func (p *AttributePath) resolveRow(tree map[string]any) (map[string]any, error) {
	current := tree
	for _, n := range p.chain() {
		// A bare-attribute path addresses the root row itself.
		if n.Form == "" {
			continue
		}
		value, ok := current[n.Form]
		if !ok || value == nil {
			return nil, NewPathResolutionError(ErrCodePathFormNotFound,
				fmt.Sprintf("form '%s' not present at path '%s'", n.Form, p.String()))
		}
		switch v := value.(type) {
		case map[string]any:
			if n.Choice.Index != 0 {
				return nil, NewPathResolutionError(ErrCodePathIndexOutRange,
					fmt.Sprintf("index %d out of range for single form '%s'", n.Choice.Index, n.Form))
			}
			current = v
		case []any:
			row, _, err := n.Choice.selectRow(v, n.Form)
			if err != nil {
				return nil, err
			}
			current = row
		case []map[string]any:
			rows := make([]any, len(v))
			for i := range v {
				rows[i] = v[i]
			}
			row, _, err := n.Choice.selectRow(rows, n.Form)
			if err != nil {
				return nil, err
			}
			current = row
		default:
			return nil, NewPathResolutionError(ErrCodePathFormNotFound,
				fmt.Sprintf("form '%s' holds a scalar, cannot descend", n.Form))
		}
	}
	return current, nil
}

// selectRow picks one row from a form list, returning the row and its
// position in the original list.
func (c PathChoice) selectRow(rows []any, form string) (map[string]any, int, error) {
	if c.Field == "" {
		if c.Index >= len(rows) {
			return nil, 0, NewPathResolutionError(ErrCodePathIndexOutRange,
				fmt.Sprintf("index %d out of range for form '%s' (%d rows)", c.Index, form, len(rows)))
		}
		row, ok := rows[c.Index].(map[string]any)
		if !ok {
			return nil, 0, NewPathResolutionError(ErrCodePathFormNotFound,
				fmt.Sprintf("row %d of form '%s' is not a form row", c.Index, form))
		}
		return row, c.Index, nil
	}
	matched := 0
	for pos, raw := range rows {
		row, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fv, present := asInt(row[c.Field])
		if !present || c.Value == nil || fv != *c.Value {
			continue
		}
		if matched == c.Index {
			return row, pos, nil
		}
		matched++
	}
	if matched > 0 {
		return nil, 0, NewPathResolutionError(ErrCodePathIndexOutRange,
			fmt.Sprintf("index %d out of range for form '%s' filtered by %s (%d matches)",
				c.Index, form, c.Field, matched))
	}
	return nil, 0, NewPathResolutionError(ErrCodePathChoiceNoMatch,
		fmt.Sprintf("no row of form '%s' matches %s=%v", form, c.Field, c.Value))
}

// Value resolves the path against a value tree and returns the attribute
// value.
func (p *AttributePath) Value(tree map[string]any) (any, error) {
	row, err := p.resolveRow(tree)
	if err != nil {
		return nil, err
	}
	value, ok := row[p.Attribute]
	if !ok {
		return nil, NewPathResolutionError(ErrCodePathFormNotFound,
			fmt.Sprintf("attribute '%s' not present at path '%s'", p.Attribute, p.String()))
	}
	return value, nil
}

// SetValue resolves the path and overwrites the attribute in place.
func (p *AttributePath) SetValue(tree map[string]any, value any) error {
	row, err := p.resolveRow(tree)
	if err != nil {
		return err
	}
	row[p.Attribute] = value
	return nil
}

// asInt normalizes the numeric representations a decoded value tree can
// carry for a choice id.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
		return 0, false
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
