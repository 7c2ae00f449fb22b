package avro

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ajitpratap0/featuresink/pkg/convert"
	"github.com/ajitpratap0/featuresink/pkg/json"
)

// schemaNode is the subset of an Avro schema needed to turn goavro native
// data into canonical values: records are walked field by field and union
// wrappers are removed.
type schemaNode struct {
	kind     string
	fields   []fieldNode
	items    *schemaNode
	values   *schemaNode
	branches map[string]*schemaNode
	scale    int
}

type fieldNode struct {
	name string
	node *schemaNode
}

func parseSchema(text string) (*schemaNode, error) {
	var raw interface{}
	if err := json.NewCodec().Unmarshal([]byte(text), &raw); err != nil {
		return nil, err
	}
	p := &schemaParser{named: make(map[string]*schemaNode)}
	return p.parse(raw, "")
}

type schemaParser struct {
	named map[string]*schemaNode
}

func (p *schemaParser) parse(raw interface{}, namespace string) (*schemaNode, error) {
	switch s := raw.(type) {
	case string:
		if n, ok := p.lookup(s, namespace); ok {
			return n, nil
		}
		return &schemaNode{kind: s}, nil
	case []interface{}:
		node := &schemaNode{kind: "union", branches: make(map[string]*schemaNode)}
		for _, b := range s {
			branch, err := p.parse(b, namespace)
			if err != nil {
				return nil, err
			}
			node.branches[p.branchName(b, namespace)] = branch
		}
		return node, nil
	case map[string]interface{}:
		return p.parseComplex(s, namespace)
	default:
		return nil, fmt.Errorf("unexpected schema element %T", raw)
	}
}

func (p *schemaParser) parseComplex(s map[string]interface{}, namespace string) (*schemaNode, error) {
	typ, ok := s["type"].(string)
	if !ok {
		return p.parse(s["type"], namespace)
	}
	switch typ {
	case "record", "error":
		fullName, ns := qualify(s, namespace)
		node := &schemaNode{kind: "record"}
		p.named[fullName] = node
		fields, _ := s["fields"].([]interface{})
		for _, f := range fields {
			fm, ok := f.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("invalid field in record %s", fullName)
			}
			name, _ := fm["name"].(string)
			child, err := p.parse(fm["type"], ns)
			if err != nil {
				return nil, err
			}
			node.fields = append(node.fields, fieldNode{name: name, node: child})
		}
		return node, nil
	case "enum", "fixed":
		fullName, _ := qualify(s, namespace)
		node := &schemaNode{kind: typ}
		p.named[fullName] = node
		return node, nil
	case "array":
		items, err := p.parse(s["items"], namespace)
		if err != nil {
			return nil, err
		}
		return &schemaNode{kind: "array", items: items}, nil
	case "map":
		values, err := p.parse(s["values"], namespace)
		if err != nil {
			return nil, err
		}
		return &schemaNode{kind: "map", values: values}, nil
	default:
		node := &schemaNode{kind: typ}
		if logical, _ := s["logicalType"].(string); logical == "decimal" {
			node.kind = "decimal"
			if scale, ok := s["scale"].(json.Number); ok {
				n, _ := scale.Int64()
				node.scale = int(n)
			}
		}
		return node, nil
	}
}

// branchName is the key goavro uses to wrap a union value of branch b
func (p *schemaParser) branchName(b interface{}, namespace string) string {
	switch s := b.(type) {
	case string:
		if _, ok := p.named[s]; ok {
			return s
		}
		if _, ok := p.named[namespace+"."+s]; ok && namespace != "" {
			return namespace + "." + s
		}
		return s
	case map[string]interface{}:
		typ, _ := s["type"].(string)
		switch typ {
		case "record", "error", "enum", "fixed":
			fullName, _ := qualify(s, namespace)
			return fullName
		}
		if logical, ok := s["logicalType"].(string); ok && logical != "" {
			return typ + "." + logical
		}
		return typ
	default:
		return ""
	}
}

func (p *schemaParser) lookup(name, namespace string) (*schemaNode, bool) {
	if n, ok := p.named[name]; ok {
		return n, true
	}
	if namespace != "" {
		n, ok := p.named[namespace+"."+name]
		return n, ok
	}
	return nil, false
}

func qualify(s map[string]interface{}, enclosing string) (string, string) {
	name, _ := s["name"].(string)
	if strings.Contains(name, ".") {
		return name, name[:strings.LastIndex(name, ".")]
	}
	ns := enclosing
	if explicit, ok := s["namespace"].(string); ok {
		ns = explicit
	}
	if ns == "" {
		return name, ""
	}
	return ns + "." + name, ns
}

// canonical converts a goavro native datum into canonical values
func (n *schemaNode) canonical(datum interface{}) (interface{}, error) {
	if datum == nil {
		return nil, nil
	}

	switch n.kind {
	case "record":
		m, ok := datum.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("expected record datum, got %T", datum)
		}
		out := make(map[string]interface{}, len(n.fields))
		for _, f := range n.fields {
			v, err := f.node.canonical(m[f.name])
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.name, err)
			}
			out[f.name] = v
		}
		return out, nil
	case "union":
		m, ok := datum.(map[string]interface{})
		if !ok || len(m) != 1 {
			return nil, fmt.Errorf("expected union datum, got %T", datum)
		}
		for name, v := range m {
			branch, ok := n.branches[name]
			if !ok {
				return nil, fmt.Errorf("unknown union branch %s", name)
			}
			return branch.canonical(v)
		}
	case "array":
		list, ok := datum.([]interface{})
		if !ok {
			return nil, fmt.Errorf("expected array datum, got %T", datum)
		}
		out := make([]interface{}, len(list))
		for i, e := range list {
			v, err := n.items.canonical(e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case "map":
		m, ok := datum.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("expected map datum, got %T", datum)
		}
		out := make(map[string]interface{}, len(m))
		for k, e := range m {
			v, err := n.values.canonical(e)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case "decimal":
		if r, ok := datum.(*big.Rat); ok {
			return json.Number(r.FloatString(n.scale)), nil
		}
	}

	return leaf(datum), nil
}

func leaf(datum interface{}) interface{} {
	switch v := datum.(type) {
	case []byte:
		return base64.StdEncoding.EncodeToString(v)
	case float32:
		return float64(v)
	case time.Time:
		return convert.FormatTimestamp(v)
	case time.Duration:
		return v.Milliseconds()
	case *big.Rat:
		return json.Number(v.FloatString(10))
	default:
		return v
	}
}
