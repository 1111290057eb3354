package scoring

import (
	"context"

	"atlas/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Report holds per-row scores keyed "<id>_score" and one aggregate per id.
// Nil entries mark rows or features with nothing to compare.
type Report struct {
	PerRow    map[string][]*float64 `json:"per_row_scores"`
	Aggregate map[string]*float64   `json:"aggregate_scores"`
}

type EngineOptions struct {
	Concurrency int
	RPS         float64
	Logger      *zap.Logger
}

type Engine struct {
	judge       Judge
	concurrency int
	limiter     *rate.Limiter
	logger      *zap.Logger
}

func NewEngine(judge Judge, opts EngineOptions) *Engine {
	if judge == nil {
		judge = ExactJudge{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	limit := rate.Inf
	burst := opts.Concurrency
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		judge:       judge,
		concurrency: opts.Concurrency,
		limiter:     rate.NewLimiter(limit, burst),
		logger:      logger,
	}
}

// Score scores every feature in kinds that has both columns in the table.
// Container kinds and ids absent from kinds are ignored.
func (e *Engine) Score(ctx context.Context, t *Table, kinds map[string]models.FeatureKind) (Report, error) {
	rep := Report{
		PerRow:    map[string][]*float64{},
		Aggregate: map[string]*float64{},
	}
	for _, id := range t.Identifiers() {
		kind, ok := kinds[id]
		if !ok || kind == models.KindContainer {
			continue
		}
		rep.PerRow[id+"_score"] = perRow(t, id, kind)
		if !t.HasPair(id) {
			continue
		}
		agg, err := e.aggregate(ctx, t, id, kind)
		if err != nil {
			return Report{}, err
		}
		rep.Aggregate[id] = agg
	}
	return rep, nil
}

func perRow(t *Table, id string, kind models.FeatureKind) []*float64 {
	out := make([]*float64, len(t.Rows))
	for i, row := range t.Rows {
		truth, pred, ok := pair(row, id)
		if !ok {
			continue
		}
		var s float64
		switch kind {
		case models.KindEnum:
			s = categoricalScore(truth, pred)
		case models.KindNumber, models.KindInteger:
			s = numberScore(truth, pred)
		default:
			s = stringScore(truth, pred)
		}
		out[i] = &s
	}
	return out
}

func (e *Engine) aggregate(ctx context.Context, t *Table, id string, kind models.FeatureKind) (*float64, error) {
	var truths, preds []string
	for _, row := range t.Rows {
		if truth, pred, ok := pair(row, id); ok {
			truths = append(truths, truth)
			preds = append(preds, pred)
		}
	}
	if len(truths) == 0 {
		return nil, nil
	}

	var v float64
	switch kind {
	case models.KindEnum:
		v = macroF1(truths, preds)
	case models.KindNumber, models.KindInteger:
		tn := make([]float64, 0, len(truths))
		pn := make([]float64, 0, len(preds))
		for i := range truths {
			a, errA := parseNumber(truths[i])
			b, errB := parseNumber(preds[i])
			if errA != nil || errB != nil {
				e.logger.Warn("non-numeric value excluded from r2",
					zap.String("feature_id", id), zap.String("truth", truths[i]), zap.String("prediction", preds[i]))
				continue
			}
			tn = append(tn, a)
			pn = append(pn, b)
		}
		if len(tn) == 0 {
			return nil, nil
		}
		v = r2(tn, pn)
	default:
		judged, err := e.judgeAll(ctx, truths, preds)
		if err != nil {
			return nil, err
		}
		gold := make([]string, len(judged))
		for i := range gold {
			gold[i] = string(VerySimilar)
		}
		v = macroF1(gold, judged)
	}
	return &v, nil
}

// judgeAll rates every pair concurrently. A failed call degrades to
// "Different" so one bad response never sinks the whole column.
func (e *Engine) judgeAll(ctx context.Context, truths, preds []string) ([]string, error) {
	out := make([]string, len(truths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := range truths {
		g.Go(func() error {
			if err := e.limiter.Wait(gctx); err != nil {
				return err
			}
			c, err := e.judge.Compare(gctx, truths[i], preds[i])
			if err != nil {
				recordJudge("error")
				e.logger.Warn("judge call failed, rating as different", zap.Int("row", i), zap.Error(err))
				out[i] = string(Different)
				return nil
			}
			recordJudge("ok")
			out[i] = string(c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
