package metric

import "context"

func init() {
	Register("edit_count", func() Metric { return &editCount{} })
	Register("bytes_added", func() Metric { return &bytesAdded{} })
}

// editCount is the illustrative stand-in for the source's edit_count
// metric: total revisions per user within the request window.
type editCount struct {
	start, end string
}

func (m *editCount) Header() []string { return []string{"edit_count"} }

func (m *editCount) Process(ctx context.Context, users []uint64, opts Options) (Result, error) {
	m.start, m.end = opts.Start, opts.End
	rows := make([]Row, 0, len(users))
	for _, u := range users {
		count, err := opts.Source.RevisionCount(ctx, u, opts.Project, opts.Start, opts.End)
		if err != nil {
			return Result{}, err
		}
		rows = append(rows, Row{UserID: u, Values: []float64{float64(count)}})
	}
	return Result{Header: m.Header(), Rows: rows, DatetimeStart: m.start, DatetimeEnd: m.end}, nil
}

// bytesAdded is the illustrative stand-in for the source's bytes_added
// metric: net byte delta per user within the request window.
type bytesAdded struct {
	start, end string
}

func (m *bytesAdded) Header() []string { return []string{"bytes_added"} }

func (m *bytesAdded) Process(ctx context.Context, users []uint64, opts Options) (Result, error) {
	m.start, m.end = opts.Start, opts.End
	rows := make([]Row, 0, len(users))
	for _, u := range users {
		bytes, err := opts.Source.BytesAdded(ctx, u, opts.Project, opts.Start, opts.End)
		if err != nil {
			return Result{}, err
		}
		rows = append(rows, Row{UserID: u, Values: []float64{float64(bytes)}})
	}
	return Result{Header: m.Header(), Rows: rows, DatetimeStart: m.start, DatetimeEnd: m.end}, nil
}
