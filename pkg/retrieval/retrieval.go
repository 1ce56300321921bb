// Package retrieval answers the operator's retrieval questions: what is in
// a rack, and which vials of a substance to take out first.
package retrieval

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mmlab/vialstore/pkg/inventory"
	"github.com/mmlab/vialstore/pkg/metrics"
)

var (
	// ErrInvalidCount is returned for a FIFO request of zero or fewer
	// vials.
	ErrInvalidCount = errors.New("count must be positive")

	// ErrInvalidRack is returned for a rack id of zero or less.
	ErrInvalidRack = errors.New("rack id must be positive")

	// ErrMissingSubstance is returned for a FIFO request without a
	// substance name.
	ErrMissingSubstance = errors.New("substance is required")
)

// Engine runs retrieval queries. Queries never change the inventory; only
// MarkCompleted does.
type Engine struct {
	log     logrus.FieldLogger
	store   inventory.Store
	metrics *metrics.Metrics
}

// NewEngine creates a retrieval engine over store.
func NewEngine(
	log logrus.FieldLogger,
	store inventory.Store,
	m *metrics.Metrics,
) *Engine {
	return &Engine{
		log:     log.WithField("component", "retrieval"),
		store:   store,
		metrics: m,
	}
}

// ByRack returns every vial of a rack in slot order, whatever its status.
func (e *Engine) ByRack(ctx context.Context, rackID int) ([]inventory.Row, error) {
	if rackID <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRack, rackID)
	}

	return e.store.JoinedView(ctx, inventory.ViewFilter{
		RackID: rackID,
		Order:  inventory.OrderSlot,
	})
}

// FIFOBySubstance returns up to count In Fridge vials of substance, oldest
// first with barcode as tie-break. Fewer or no matches is not an error.
func (e *Engine) FIFOBySubstance(
	ctx context.Context, substance string, count int,
) ([]inventory.Row, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}

	substance = strings.TrimSpace(substance)
	if substance == "" {
		return nil, ErrMissingSubstance
	}

	return e.store.JoinedView(ctx, inventory.ViewFilter{
		Substance: substance,
		Status:    inventory.StatusInFridge,
		Order:     inventory.OrderTimestamp,
		Limit:     count,
	})
}

// MarkCompleted moves the given In Fridge vials to Completed.
func (e *Engine) MarkCompleted(
	ctx context.Context, barcodes []string,
) (*inventory.TransitionResult, error) {
	res, err := e.store.SetStatus(ctx, barcodes, inventory.StatusCompleted)
	if err != nil {
		return nil, err
	}

	e.metrics.StatusChanged(string(inventory.StatusCompleted), len(res.Updated))

	e.log.WithFields(logrus.Fields{
		"updated":   len(res.Updated),
		"unchanged": len(res.Unchanged),
		"unknown":   len(res.Unknown),
	}).Info("Marked vials completed")

	return res, nil
}

// CompleteFIFO takes the count oldest In Fridge vials of substance out of
// the fridge: it runs FIFOBySubstance and marks exactly the returned vials
// Completed in the same transaction.
func (e *Engine) CompleteFIFO(
	ctx context.Context, substance string, count int,
) ([]inventory.Row, *inventory.TransitionResult, error) {
	var (
		rows []inventory.Row
		res  *inventory.TransitionResult
	)

	err := e.store.InTx(ctx, func(tx inventory.Store) error {
		txe := &Engine{log: e.log, store: tx}

		var err error

		rows, err = txe.FIFOBySubstance(ctx, substance, count)
		if err != nil {
			return err
		}

		if len(rows) == 0 {
			res = &inventory.TransitionResult{Status: inventory.StatusCompleted}

			return nil
		}

		res, err = tx.SetStatus(ctx, Barcodes(rows), inventory.StatusCompleted)

		return err
	})
	if err != nil {
		return nil, nil, err
	}

	e.metrics.StatusChanged(string(inventory.StatusCompleted), len(res.Updated))

	e.log.WithFields(logrus.Fields{
		"substance": substance,
		"requested": count,
		"completed": len(res.Updated),
	}).Info("Completed oldest vials")

	return rows, res, nil
}

// WriteBarcodeList writes one line per row without a header: the barcode,
// followed by the substance when withSubstance is set.
func WriteBarcodeList(w io.Writer, rows []inventory.Row, withSubstance bool) error {
	cw := csv.NewWriter(w)

	for i := range rows {
		record := []string{rows[i].Barcode}
		if withSubstance {
			record = append(record, rows[i].SubstanceName)
		}

		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing barcode list: %w", err)
		}
	}

	cw.Flush()

	return cw.Error()
}

// Barcodes extracts the barcodes of rows in order.
func Barcodes(rows []inventory.Row) []string {
	out := make([]string, len(rows))
	for i := range rows {
		out[i] = rows[i].Barcode
	}

	return out
}
