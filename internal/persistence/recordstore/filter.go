package recordstore

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"citysim.ai/internal/sim/errs"
)

type Op string

const (
	OpEq  Op = "="
	OpNe  Op = "!="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
	OpIn  Op = "IN"
)

type Cond struct {
	Field string
	Op    Op
	Value any
}

// Filter is a conjunction of conditions. Order entries prefixed with "-" sort descending.
type Filter struct {
	Conds []Cond
	Order []string
	Limit int
}

func Where(conds ...Cond) Filter { return Filter{Conds: conds} }

func (f Filter) OrderBy(fields ...string) Filter {
	f.Order = append(append([]string(nil), f.Order...), fields...)
	return f
}

func (f Filter) Take(n int) Filter {
	f.Limit = n
	return f
}

func Eq(field string, v any) Cond  { return Cond{Field: field, Op: OpEq, Value: v} }
func Ne(field string, v any) Cond  { return Cond{Field: field, Op: OpNe, Value: v} }
func Lt(field string, v any) Cond  { return Cond{Field: field, Op: OpLt, Value: v} }
func Lte(field string, v any) Cond { return Cond{Field: field, Op: OpLte, Value: v} }
func Gt(field string, v any) Cond  { return Cond{Field: field, Op: OpGt, Value: v} }
func Gte(field string, v any) Cond { return Cond{Field: field, Op: OpGte, Value: v} }

func In(field string, vs ...string) Cond { return Cond{Field: field, Op: OpIn, Value: vs} }

func (s *SQLStore) where(t table, f Filter) (string, []any, error) {
	var (
		clauses []string
		args    []any
	)
	for _, c := range f.Conds {
		if !t.has(c.Field) {
			return "", nil, fmt.Errorf("%s: unknown filter field %q: %w", t.name, c.Field, errs.ErrBadRequest)
		}
		switch c.Op {
		case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
			args = append(args, normalize(c.Value))
			op := string(c.Op)
			if c.Op == OpNe {
				op = "<>"
			}
			clauses = append(clauses, fmt.Sprintf("%s %s %s", c.Field, op, s.dialect.bind(len(args))))
		case OpIn:
			vs, ok := c.Value.([]string)
			if !ok {
				return "", nil, fmt.Errorf("%s: IN expects []string: %w", t.name, errs.ErrBadRequest)
			}
			if len(vs) == 0 {
				clauses = append(clauses, "1 = 0")
				continue
			}
			ph := make([]string, 0, len(vs))
			for _, v := range vs {
				args = append(args, v)
				ph = append(ph, s.dialect.bind(len(args)))
			}
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)", c.Field, strings.Join(ph, ", ")))
		default:
			return "", nil, fmt.Errorf("%s: unsupported op %q: %w", t.name, c.Op, errs.ErrBadRequest)
		}
	}

	var b strings.Builder
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}
	order := f.Order
	if len(order) == 0 {
		order = []string{"id"}
	}
	parts := make([]string, 0, len(order))
	for _, o := range order {
		dir := "ASC"
		if strings.HasPrefix(o, "-") {
			dir = "DESC"
			o = o[1:]
		}
		if !t.has(o) {
			return "", nil, fmt.Errorf("%s: unknown order field %q: %w", t.name, o, errs.ErrBadRequest)
		}
		parts = append(parts, o+" "+dir)
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(strings.Join(parts, ", "))
	if f.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", f.Limit)
	}
	return b.String(), args, nil
}

// normalize maps values onto the column encodings: times as unix nanos,
// bools as 0/1 and named string/number types onto their base kinds.
func normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		if x.IsZero() {
			return int64(0)
		}
		return x.UnixNano()
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	}
	return v
}
