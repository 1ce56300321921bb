package rack

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mmlab/vialstore/pkg/inventory"
)

// ReconcileReport lists the anomalies found, those repaired, and those
// that need an operator.
type ReconcileReport struct {
	Found     []inventory.Anomaly `json:"found"`
	Fixed     []inventory.Anomaly `json:"fixed,omitempty"`
	Remaining []inventory.Anomaly `json:"remaining,omitempty"`
}

// Reconcile checks that slot assignments and status facts agree. With fix
// set, repairable anomalies are moved forward: a vial missing its status
// fact gets one, and an assigned vial still Ready moves to In Fridge.
// Anything else is only reported.
func (e *Engine) Reconcile(ctx context.Context, fix bool) (*ReconcileReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	found, err := e.store.Anomalies(ctx)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{Found: found}

	if !fix || len(found) == 0 {
		report.Remaining = found
		e.logReport(report)

		return report, nil
	}

	err = e.store.InTx(ctx, func(tx inventory.Store) error {
		for _, a := range found {
			if a.Kind != inventory.AnomalyMissingStatus {
				continue
			}

			if _, err := tx.GetOrCreateStatus(ctx, a.Barcode, SourceAuto); err != nil {
				return err
			}
		}

		// A vial given a status above may itself be assigned but Ready.
		current, err := tx.Anomalies(ctx)
		if err != nil {
			return err
		}

		var stranded []string

		for _, a := range current {
			if a.Kind == inventory.AnomalyAssignedButReady {
				stranded = append(stranded, a.Barcode)
			}
		}

		if len(stranded) > 0 {
			if _, err := tx.SetStatus(ctx, stranded, inventory.StatusInFridge); err != nil {
				return err
			}
		}

		report.Remaining, err = tx.Anomalies(ctx)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reconciling inventory: %w", err)
	}

	remaining := make(map[string]struct{}, len(report.Remaining))
	for _, a := range report.Remaining {
		remaining[string(a.Kind)+"/"+a.Barcode] = struct{}{}
	}

	for _, a := range found {
		if _, ok := remaining[string(a.Kind)+"/"+a.Barcode]; !ok {
			report.Fixed = append(report.Fixed, a)
		}
	}

	e.logReport(report)

	return report, nil
}

func (e *Engine) logReport(report *ReconcileReport) {
	log := e.log.WithFields(logrus.Fields{
		"found":     len(report.Found),
		"fixed":     len(report.Fixed),
		"remaining": len(report.Remaining),
	})

	if len(report.Remaining) == 0 {
		log.Info("Inventory consistent")

		return
	}

	for _, a := range report.Remaining {
		e.log.WithField("anomaly", a.String()).Warn("Inventory anomaly")
	}

	log.Warn("Inventory has unresolved anomalies")
}
