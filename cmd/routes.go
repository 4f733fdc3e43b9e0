package main

import (
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"
)

func (app *application) routes() http.Handler {
	standardMiddleware := alice.New(app.recoverPanic, app.logRequest, secureHeaders)
	jsonMiddleware := standardMiddleware.Append(makeResponseJSON)
	authMiddleware := jsonMiddleware.Append(app.JWTMiddleware)

	mux := pat.New()

	// Cart
	mux.Get("/cart", authMiddleware.ThenFunc(app.cartHandler.GetCart))
	mux.Post("/cart/add", authMiddleware.ThenFunc(app.cartHandler.AddInvoice))
	mux.Post("/cart/remove", authMiddleware.ThenFunc(app.cartHandler.RemoveInvoice))

	// Payments
	mux.Post("/checkout", authMiddleware.ThenFunc(app.paymentHandler.Checkout))
	mux.Get("/payments/monthly", authMiddleware.ThenFunc(app.paymentHandler.Monthly))
	mux.Get("/payments", authMiddleware.ThenFunc(app.paymentHandler.List))
	mux.Get("/payments/:id", authMiddleware.ThenFunc(app.paymentHandler.Get))
	mux.Post("/payments/:id/retry", authMiddleware.ThenFunc(app.paymentHandler.Retry))
	mux.Post("/payments/:id/confirm", authMiddleware.ThenFunc(app.paymentHandler.Confirm))

	// Provider callbacks, verified by signature. Robokassa expects a plain
	// text acknowledgement.
	mux.Post("/webhooks/card", jsonMiddleware.ThenFunc(app.webhookHandler.Card))
	mux.Post("/webhooks/wallet", standardMiddleware.ThenFunc(app.webhookHandler.Wallet))
	mux.Get("/webhooks/wallet", standardMiddleware.ThenFunc(app.webhookHandler.Wallet))

	// Invoices and assignments
	mux.Post("/invoices", authMiddleware.ThenFunc(app.invoiceHandler.Create))
	mux.Get("/invoices/:id", authMiddleware.ThenFunc(app.invoiceHandler.Get))
	mux.Put("/assignments/:id/status", authMiddleware.ThenFunc(app.assignmentHandler.UpdateStatus))

	mux.Get("/healthz", jsonMiddleware.ThenFunc(app.healthz))

	return mux
}

func (app *application) healthz(w http.ResponseWriter, r *http.Request) {
	if err := app.db.PingContext(r.Context()); err != nil {
		app.serverError(w, err)
		return
	}
	w.Write([]byte(`{"status":"ok"}`))
}
