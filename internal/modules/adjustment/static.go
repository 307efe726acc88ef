package adjustment

import "context"

// Static always answers with the same factor.
type Static struct {
	Percent float64
}

func (s Static) Factor(context.Context, Features) (float64, error) {
	return s.Percent, nil
}
