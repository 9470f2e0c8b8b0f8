// Package labeler assigns forward-looking presurge labels to persisted
// feature history after the session closes. A record at time t is positive
// when the peak price observed in (t, t+window] reaches the configured
// return over the price at t.
package labeler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"surgewatch/internal/config"
	"surgewatch/internal/history"
	"surgewatch/pkg/types"
)

// labelBatchSize bounds how many label rows go into one transaction.
const labelBatchSize = 500

// Labeler runs the daily labelling pass over one partition.
type Labeler struct {
	cfg    config.LabelerConfig
	store  *history.Store
	cal    func(time.Time) types.CalendarContext
	loc    *time.Location
	logger *slog.Logger

	now func() time.Time
}

func New(cfg config.LabelerConfig, store *history.Store, cal func(time.Time) types.CalendarContext, loc *time.Location, logger *slog.Logger) *Labeler {
	return &Labeler{
		cfg:    cfg,
		store:  store,
		cal:    cal,
		loc:    loc,
		now:    time.Now,
		logger: logger.With("component", "labeler"),
	}
}

// Result summarises one labelling run.
type Result struct {
	Labeled   int
	Positives int
	Deferred  int
}

// RunFor labels every unlabelled record in the partition whose forward
// window has fully elapsed. While the session is still trading, records
// whose window extends past the newest persisted timestamp are deferred to
// a later run; once the session has closed the tape cannot grow, so those
// windows are complete and the peak is taken over the prices that exist.
// The pass is idempotent and safe to repeat.
func (l *Labeler) RunFor(ctx context.Context, date string) (Result, error) {
	var res Result

	maxTs, err := l.store.MaxTimestamp(date)
	if err != nil {
		return res, err
	}
	if maxTs.IsZero() {
		return res, nil
	}
	rows, err := l.store.SelectUnlabeled(date)
	if err != nil {
		return res, err
	}
	sessionClosed := l.sessionClosed(date)

	batch := make([]types.LabelRecord, 0, labelBatchSize)
	flush := func() error {
		if err := l.store.WriteLabels(date, batch); err != nil {
			return fmt.Errorf("write labels: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for _, row := range rows {
		if ctx.Err() != nil {
			if err := flush(); err != nil {
				return res, err
			}
			return res, ctx.Err()
		}
		until := row.Timestamp.Add(l.cfg.ForwardWindow)
		if until.After(maxTs) && !sessionClosed {
			res.Deferred++
			continue
		}
		if row.Price <= 0 {
			res.Deferred++
			continue
		}

		peak, ok, err := l.store.PeakPrice(date, row.Symbol, row.Timestamp, until)
		if err != nil {
			return res, err
		}
		// A symbol with no observations in the window (rotated out of the
		// universe) realised no surge we could have caught.
		peakReturn := 0.0
		if ok {
			peakReturn = peak/row.Price - 1
		}
		rec := types.LabelRecord{
			Timestamp:  row.Timestamp,
			Symbol:     row.Symbol,
			PeakReturn: peakReturn,
		}
		if peakReturn >= l.cfg.Threshold {
			rec.Label = 1
			res.Positives++
		}
		batch = append(batch, rec)
		res.Labeled++

		if len(batch) >= labelBatchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}

	l.logger.Info("labelling pass complete",
		"date", date,
		"labeled", res.Labeled,
		"positives", res.Positives,
		"deferred", res.Deferred)
	return res, nil
}

// sessionClosed reports whether the trading session for the partition's
// day has ended. After the close no further prices can land in the
// partition, so every forward window within it is final.
func (l *Labeler) sessionClosed(date string) bool {
	day, err := time.ParseInLocation(history.DateFormat, date, l.loc)
	if err != nil {
		return false
	}
	closeAt := l.cal(day).SessionClose
	if closeAt.IsZero() {
		return false
	}
	return l.now().After(closeAt)
}

// PartitionDate formats a session day for partition lookup.
func PartitionDate(day time.Time, loc *time.Location) string {
	return day.In(loc).Format(history.DateFormat)
}
