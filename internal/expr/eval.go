package expr

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

type undefined struct{}

func (undefined) String() string { return "undefined" }

// Undefined is the value of a missing property.
var Undefined = undefined{}

// Scope maps identifiers to values.
type Scope map[string]any

// EvalError reports a runtime failure such as property access on null.
type EvalError struct {
	Expr string
	Msg  string
}

func (e *EvalError) Error() string { return fmt.Sprintf("%s: %s", e.Expr, e.Msg) }

// Eval evaluates n against scope.
func Eval(n Node, scope Scope) (any, error) {
	switch t := n.(type) {
	case Literal:
		return t.Value, nil
	case Ident:
		v, ok := scope[t.Name]
		if !ok {
			return nil, &EvalError{Expr: t.Name, Msg: "is not defined"}
		}
		return normalize(v), nil
	case Member:
		obj, err := Eval(t.Object, scope)
		if err != nil {
			return nil, err
		}
		prop, err := Eval(t.Property, scope)
		if err != nil {
			return nil, err
		}
		return member(t, obj, prop)
	case Call:
		obj, err := Eval(t.Object, scope)
		if err != nil {
			return nil, err
		}
		args := make([]any, len(t.Args))
		for i, a := range t.Args {
			if args[i], err = Eval(a, scope); err != nil {
				return nil, err
			}
		}
		return call(t, obj, args)
	case Unary:
		v, err := Eval(t.Operand, scope)
		if err != nil {
			return nil, err
		}
		if t.Op == "!" {
			return !Truthy(v), nil
		}
		f, ok := toNumber(v)
		if !ok {
			return math.NaN(), nil
		}
		return -f, nil
	case Binary:
		return binary(t, scope)
	}
	return nil, &EvalError{Expr: fmt.Sprint(n), Msg: "unsupported node"}
}

// EvalBool parses and evaluates src, returning its truthiness.
func EvalBool(src string, scope Scope) (bool, error) {
	n, err := Parse(src)
	if err != nil {
		return false, err
	}
	v, err := Eval(n, scope)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

func binary(b Binary, scope Scope) (any, error) {
	left, err := Eval(b.Left, scope)
	if err != nil {
		return nil, err
	}
	switch b.Op {
	case "&&":
		if !Truthy(left) {
			return left, nil
		}
		return Eval(b.Right, scope)
	case "||":
		if Truthy(left) {
			return left, nil
		}
		return Eval(b.Right, scope)
	}
	right, err := Eval(b.Right, scope)
	if err != nil {
		return nil, err
	}
	switch b.Op {
	case "===":
		return strictEqual(left, right), nil
	case "!==":
		return !strictEqual(left, right), nil
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "<", "<=", ">", ">=":
		return compare(b.Op, left, right), nil
	}
	return nil, &EvalError{Expr: b.String(), Msg: "unknown operator " + b.Op}
}

func member(n Member, obj, prop any) (any, error) {
	if obj == nil || obj == Undefined {
		return nil, &EvalError{Expr: n.String(), Msg: fmt.Sprintf("cannot read property %v of %v", prop, describe(obj))}
	}
	key := keyString(prop)
	switch o := obj.(type) {
	case map[string]any:
		v, ok := o[key]
		if !ok {
			return Undefined, nil
		}
		return normalize(v), nil
	case []any:
		if key == "length" {
			return float64(len(o)), nil
		}
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(o) {
			return Undefined, nil
		}
		return normalize(o[idx]), nil
	case string:
		if key == "length" {
			return float64(len([]rune(o))), nil
		}
		idx, err := strconv.Atoi(key)
		r := []rune(o)
		if err != nil || idx < 0 || idx >= len(r) {
			return Undefined, nil
		}
		return string(r[idx]), nil
	}
	return Undefined, nil
}

func call(n Call, obj any, args []any) (any, error) {
	if obj == nil || obj == Undefined {
		return nil, &EvalError{Expr: n.String(), Msg: fmt.Sprintf("cannot call %s on %v", n.Method, describe(obj))}
	}
	arg := func(i int) any {
		if i < len(args) {
			return args[i]
		}
		return Undefined
	}
	switch o := obj.(type) {
	case string:
		switch n.Method {
		case "includes":
			return strings.Contains(o, toString(arg(0))), nil
		case "startsWith":
			return strings.HasPrefix(o, toString(arg(0))), nil
		case "endsWith":
			return strings.HasSuffix(o, toString(arg(0))), nil
		case "toLowerCase":
			return strings.ToLower(o), nil
		case "toUpperCase":
			return strings.ToUpper(o), nil
		case "trim":
			return strings.TrimSpace(o), nil
		}
	case []any:
		if n.Method == "includes" {
			for _, el := range o {
				if strictEqual(normalize(el), arg(0)) {
					return true, nil
				}
			}
			return false, nil
		}
	}
	return nil, &EvalError{Expr: n.String(), Msg: fmt.Sprintf("%s is not a function on %s", n.Method, describe(obj))}
}

// Truthy follows JavaScript truthiness, which condition authors expect.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil, undefined:
		return false
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	case string:
		return t != ""
	}
	return true
}

func strictEqual(a, b any) bool {
	a, b = normalize(a), normalize(b)
	switch x := a.(type) {
	case nil:
		return b == nil
	case undefined:
		return b == Undefined
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	}
	// Objects compare by identity in the source language; structural
	// comparison is the only meaningful option here.
	return reflect.DeepEqual(a, b)
}

func looseEqual(a, b any) bool {
	a, b = normalize(a), normalize(b)
	aNull := a == nil || a == Undefined
	bNull := b == nil || b == Undefined
	if aNull || bNull {
		return aNull && bNull
	}
	if strictEqual(a, b) {
		return true
	}
	_, aObj := a.(map[string]any)
	_, bObj := b.(map[string]any)
	if aObj || bObj {
		return false
	}
	x, okA := toNumber(a)
	y, okB := toNumber(b)
	return okA && okB && x == y
}

func compare(op string, a, b any) bool {
	a, b = normalize(a), normalize(b)
	if x, ok := a.(string); ok {
		if y, ok := b.(string); ok {
			switch op {
			case "<":
				return x < y
			case "<=":
				return x <= y
			case ">":
				return x > y
			default:
				return x >= y
			}
		}
	}
	x, okA := toNumber(a)
	y, okB := toNumber(b)
	if !okA || !okB {
		return false
	}
	switch op {
	case "<":
		return x < y
	case "<=":
		return x <= y
	case ">":
		return x > y
	default:
		return x >= y
	}
}

func toNumber(v any) (float64, bool) {
	switch t := normalize(v).(type) {
	case float64:
		return t, !math.IsNaN(t)
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case nil:
		return 0, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, true
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	switch t := normalize(v).(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return "null"
	}
	return fmt.Sprint(v)
}

func keyString(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return toString(v)
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case undefined:
		return "undefined"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	return reflect.TypeOf(v).Kind().String()
}

// normalize maps Go values onto the value model: float64, string, bool, nil,
// map[string]any and []any.
func normalize(v any) any {
	switch t := v.(type) {
	case nil, bool, string, float64, undefined, map[string]any, []any:
		return v
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return normalize(rv.Elem().Interface())
	case reflect.Struct:
		b, err := json.Marshal(v)
		if err != nil {
			break
		}
		var out map[string]any
		dec := json.NewDecoder(strings.NewReader(string(b)))
		dec.UseNumber()
		if dec.Decode(&out) == nil {
			return out
		}
	}
	return v
}
