package domain

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

const orderPrefix = "Order:"

// String renders the order in the textual form used for logs and for the
// database mailbox payload:
//
//	Order: order_id=1 creation_timestamp=... asset_id=101 type_=price@twap start_timestamp=... end_timestamp=... num_shares=-10
//
// broker_id is appended only once a venue has assigned one.
func (o Order) String() string {
	var b strings.Builder
	b.WriteString(orderPrefix)
	fmt.Fprintf(&b, " order_id=%d", o.ID)
	fmt.Fprintf(&b, " creation_timestamp=%s", formatTS(o.CreationTimestamp))
	fmt.Fprintf(&b, " asset_id=%d", o.AssetID)
	fmt.Fprintf(&b, " type_=%s", o.Type)
	fmt.Fprintf(&b, " start_timestamp=%s", formatTS(o.StartTimestamp))
	fmt.Fprintf(&b, " end_timestamp=%s", formatTS(o.EndTimestamp))
	fmt.Fprintf(&b, " num_shares=%s", strconv.FormatFloat(o.NumShares, 'g', -1, 64))
	if o.BrokerID != "" {
		fmt.Fprintf(&b, " broker_id=%s", o.BrokerID)
	}
	return b.String()
}

// ParseOrder parses the output of Order.String.
func ParseOrder(s string) (Order, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), orderPrefix)
	if !ok {
		return Order{}, fmt.Errorf("parsing order %q: missing %q prefix: %w", s, orderPrefix, ErrInvalidOrder)
	}
	fields := make(map[string]string)
	for _, tok := range strings.Fields(rest) {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			return Order{}, fmt.Errorf("parsing order %q: malformed field %q: %w", s, tok, ErrInvalidOrder)
		}
		if _, dup := fields[k]; dup {
			return Order{}, fmt.Errorf("parsing order %q: duplicate field %q: %w", s, k, ErrInvalidOrder)
		}
		fields[k] = v
	}

	var o Order
	p := fieldParser{fields: fields}
	o.ID = p.int("order_id")
	o.CreationTimestamp = p.ts("creation_timestamp")
	o.AssetID = p.int("asset_id")
	o.Type = p.str("type_")
	o.StartTimestamp = p.ts("start_timestamp")
	o.EndTimestamp = p.ts("end_timestamp")
	o.NumShares = p.float("num_shares")
	o.BrokerID = fields["broker_id"]
	delete(fields, "broker_id")
	if p.err != nil {
		return Order{}, fmt.Errorf("parsing order %q: %w", s, p.err)
	}
	if len(fields) > 0 {
		return Order{}, fmt.Errorf("parsing order %q: unknown fields %v: %w", s, sortedKeys(fields), ErrInvalidOrder)
	}
	if err := o.Validate(); err != nil {
		return Order{}, err
	}
	return o, nil
}

// OrdersToString renders one order per line.
func OrdersToString(orders []Order) string {
	lines := make([]string, len(orders))
	for i, o := range orders {
		lines[i] = o.String()
	}
	return strings.Join(lines, "\n")
}

// OrdersFromString parses the output of OrdersToString. Blank lines are
// ignored.
func OrdersFromString(s string) ([]Order, error) {
	var orders []Order
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		o, err := ParseOrder(line)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func formatTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// fieldParser consumes fields and keeps the first error.
type fieldParser struct {
	fields map[string]string
	err    error
}

func (p *fieldParser) str(k string) string {
	v, ok := p.fields[k]
	if !ok {
		if p.err == nil {
			p.err = fmt.Errorf("missing field %q: %w", k, ErrInvalidOrder)
		}
		return ""
	}
	delete(p.fields, k)
	return v
}

func (p *fieldParser) int(k string) int64 {
	v := p.str(k)
	if p.err != nil {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.err = fmt.Errorf("field %s=%q: %w", k, v, ErrInvalidOrder)
	}
	return n
}

func (p *fieldParser) float(k string) float64 {
	v := p.str(k)
	if p.err != nil {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.err = fmt.Errorf("field %s=%q: %w", k, v, ErrInvalidOrder)
	}
	return f
}

func (p *fieldParser) ts(k string) time.Time {
	v := p.str(k)
	if p.err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		p.err = fmt.Errorf("field %s=%q: %w", k, v, ErrInvalidOrder)
	}
	return t.UTC()
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
