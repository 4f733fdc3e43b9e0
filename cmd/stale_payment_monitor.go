package main

import (
	"context"
	"log"
	"time"

	"taskmarket/internal/services"
)

const stalePaymentMonitorTimeout = 30 * time.Second

// startStalePaymentMonitor reports payments whose intent was opened but never
// settled. Their invoices stay claimed; an operator decides what to do.
func startStalePaymentMonitor(ctx context.Context, ledger *services.PaymentLedger, staleAfter, interval time.Duration, infoLog, errorLog *log.Logger) {
	if ledger == nil || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		run := func() {
			runCtx, cancel := context.WithTimeout(ctx, stalePaymentMonitorTimeout)
			defer cancel()
			reportStalePayments(runCtx, ledger, time.Now(), staleAfter, infoLog, errorLog)
		}

		run()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

// reportStalePayments logs every unpaid payment created more than staleAfter
// before now and returns how many it found.
func reportStalePayments(ctx context.Context, ledger *services.PaymentLedger, now time.Time, staleAfter time.Duration, infoLog, errorLog *log.Logger) int {
	stale, err := ledger.OpenPaymentsOlderThan(ctx, now.Add(-staleAfter))
	if err != nil {
		if errorLog != nil {
			errorLog.Printf("stale payment monitor: failed to list open payments: %v", err)
		}
		return 0
	}
	if len(stale) == 0 || infoLog == nil {
		return len(stale)
	}
	infoLog.Printf("stale payment monitor: %d unpaid payments older than %s", len(stale), staleAfter)
	for _, p := range stale {
		infoLog.Printf("stale payment monitor: payment %d payer=%d amount=%s method=%s state=%s created=%s",
			p.ID, p.PayerID, p.Amount.StringFixed(2), p.Method, p.State(), p.CreatedAt.Format(time.RFC3339))
	}
	return len(stale)
}
