package server

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/shopspring/decimal"

	"github.com/dylanlott/exchange/pkg/engine"
	"github.com/dylanlott/exchange/pkg/store"
	"github.com/dylanlott/exchange/pkg/wire"
)

// Router translates parsed request documents into engine calls and
// collects the results into a single <results> document, one child per
// input child in document order. It is stateless; one malformed child
// never aborts its siblings.
type Router struct {
	engine *engine.Engine
	log    *slog.Logger
	now    func() int64
}

// NewRouter returns a Router over eng.
func NewRouter(eng *engine.Engine, log *slog.Logger) *Router {
	return &Router{
		engine: eng,
		log:    log,
		now:    func() int64 { return time.Now().Unix() },
	}
}

// Route dispatches one request document.
func (r *Router) Route(ctx context.Context, req *wire.Request) *wire.Results {
	res := &wire.Results{}
	switch {
	case req.Create != nil:
		r.routeCreate(ctx, req.Create, res)
	case req.Transactions != nil:
		r.routeTransactions(ctx, req.Transactions, res)
	}
	return res
}

func (r *Router) routeCreate(ctx context.Context, cr *wire.CreateRequest, res *wire.Results) {
	for _, step := range cr.Steps {
		switch {
		case step.Account != nil:
			r.createAccount(ctx, step.Account, res)
		case step.Symbol != nil:
			for _, credit := range step.Symbol.Credits {
				r.creditShares(ctx, step.Symbol.Sym, credit, res)
			}
		default:
			res.Append(&wire.ErrorElem{Msg: "unknown create child: " + step.Unknown})
			metrics.GetOrCreateCounter(`exchange_errors_total`).Inc()
		}
	}
}

func (r *Router) createAccount(ctx context.Context, ac *wire.AccountCreate, res *wire.Results) {
	balance, err := decimal.NewFromString(ac.Balance)
	if err != nil {
		res.Append(&wire.ErrorElem{ID: ac.ID, Msg: "malformed balance: " + ac.Balance})
		metrics.GetOrCreateCounter(`exchange_errors_total`).Inc()
		return
	}
	if err := r.engine.CreateAccount(ctx, ac.ID, balance); err != nil {
		res.Append(&wire.ErrorElem{ID: ac.ID, Msg: err.Error()})
		metrics.GetOrCreateCounter(`exchange_errors_total`).Inc()
		return
	}
	res.Append(&wire.CreatedAccount{ID: ac.ID})
	metrics.GetOrCreateCounter(`exchange_accounts_created_total`).Inc()
}

func (r *Router) creditShares(ctx context.Context, sym string, credit wire.SymbolCredit, res *wire.Results) {
	shares, err := decimal.NewFromString(credit.Shares)
	if err != nil {
		res.Append(&wire.ErrorElem{Sym: sym, ID: credit.AccountID, Msg: "malformed share count: " + credit.Shares})
		metrics.GetOrCreateCounter(`exchange_errors_total`).Inc()
		return
	}
	if err := r.engine.CreditShares(ctx, credit.AccountID, sym, shares); err != nil {
		res.Append(&wire.ErrorElem{Sym: sym, ID: credit.AccountID, Msg: err.Error()})
		metrics.GetOrCreateCounter(`exchange_errors_total`).Inc()
		return
	}
	res.Append(&wire.CreatedSymbol{Sym: sym, ID: credit.AccountID})
}

func (r *Router) routeTransactions(ctx context.Context, tr *wire.TransactionsRequest, res *wire.Results) {
	exists, err := r.engine.AccountExists(ctx, tr.AccountID)
	if err != nil {
		// A storage failure is not an unknown account; report it as such.
		r.log.Error("account lookup failed", "account", tr.AccountID, "err", err)
		r.failAll(tr, err.Error(), res)
		return
	}
	if !exists {
		// Every child still gets a result, echoing its own attributes.
		r.failAll(tr, "Invalid account", res)
		return
	}

	for _, act := range tr.Actions {
		switch {
		case act.Order != nil:
			r.placeOrder(ctx, tr.AccountID, act.Order, res)
		case act.Cancel != nil:
			r.cancelOrder(ctx, act.Cancel, res)
		case act.Query != nil:
			r.queryOrder(ctx, act.Query, res)
		default:
			res.Append(&wire.ErrorElem{Msg: "unknown transactions child: " + act.Unknown})
			metrics.GetOrCreateCounter(`exchange_errors_total`).Inc()
		}
	}
}

// failAll emits one error per child with the same message, echoing each
// child's identifying attributes, for failures that poison the batch.
func (r *Router) failAll(tr *wire.TransactionsRequest, msg string, res *wire.Results) {
	for _, act := range tr.Actions {
		switch {
		case act.Order != nil:
			res.Append(&wire.ErrorElem{
				Sym: act.Order.Sym, Amount: act.Order.Amount, Limit: act.Order.Limit,
				Msg: msg,
			})
		case act.Cancel != nil:
			res.Append(&wire.ErrorElem{ID: act.Cancel.ID, Msg: msg})
		case act.Query != nil:
			res.Append(&wire.ErrorElem{ID: act.Query.ID, Msg: msg})
		default:
			res.Append(&wire.ErrorElem{Msg: msg})
		}
		metrics.GetOrCreateCounter(`exchange_errors_total`).Inc()
	}
}

func (r *Router) placeOrder(ctx context.Context, accountID string, oa *wire.OrderAction, res *wire.Results) {
	fail := func(msg string) {
		res.Append(&wire.ErrorElem{Sym: oa.Sym, Amount: oa.Amount, Limit: oa.Limit, Msg: msg})
		metrics.GetOrCreateCounter(`exchange_errors_total`).Inc()
	}
	amount, err := decimal.NewFromString(oa.Amount)
	if err != nil {
		fail("malformed amount: " + oa.Amount)
		return
	}
	limit, err := decimal.NewFromString(oa.Limit)
	if err != nil {
		fail("malformed limit: " + oa.Limit)
		return
	}
	order, err := r.engine.PlaceOrder(ctx, accountID, oa.Sym, amount, limit)
	if err != nil {
		fail(err.Error())
		return
	}
	res.Append(&wire.Opened{Sym: oa.Sym, Amount: oa.Amount, Limit: oa.Limit, ID: order.ID})
	metrics.GetOrCreateCounter(`exchange_orders_opened_total`).Inc()
}

func (r *Router) cancelOrder(ctx context.Context, ia *wire.IDAction, res *wire.Results) {
	orderID, err := strconv.ParseInt(ia.ID, 10, 64)
	if err != nil {
		res.Append(&wire.ErrorElem{ID: ia.ID, Msg: "malformed order id: " + ia.ID})
		metrics.GetOrCreateCounter(`exchange_errors_total`).Inc()
		return
	}
	cr, err := r.engine.CancelOrder(ctx, orderID)
	if err != nil {
		res.Append(&wire.ErrorElem{ID: ia.ID, Msg: err.Error()})
		metrics.GetOrCreateCounter(`exchange_errors_total`).Inc()
		return
	}
	out := &wire.Canceled{ID: orderID, Executions: executions(cr.Executions)}
	if cr.OpenShares.Sign() > 0 {
		out.Leftover = &wire.CanceledShares{Shares: cr.OpenShares.String(), Time: cr.CanceledAt}
	}
	res.Append(out)
	metrics.GetOrCreateCounter(`exchange_orders_canceled_total`).Inc()
}

func (r *Router) queryOrder(ctx context.Context, ia *wire.IDAction, res *wire.Results) {
	orderID, err := strconv.ParseInt(ia.ID, 10, 64)
	if err != nil {
		res.Append(&wire.ErrorElem{ID: ia.ID, Msg: "malformed order id: " + ia.ID})
		metrics.GetOrCreateCounter(`exchange_errors_total`).Inc()
		return
	}
	qr, err := r.engine.QueryOrder(ctx, orderID)
	if err != nil {
		res.Append(&wire.ErrorElem{ID: ia.ID, Msg: err.Error()})
		metrics.GetOrCreateCounter(`exchange_errors_total`).Inc()
		return
	}
	out := &wire.Status{ID: orderID, Executions: executions(qr.Executions)}
	switch {
	case qr.Order.Status == store.StatusOpen && qr.OpenShares.Sign() > 0:
		out.Open = &wire.OpenShares{Shares: qr.OpenShares.String()}
	case qr.Order.Status == store.StatusCanceled && qr.OpenShares.Sign() > 0:
		out.Canceled = &wire.CanceledShares{Shares: qr.OpenShares.String(), Time: r.now()}
	}
	res.Append(out)
	metrics.GetOrCreateCounter(`exchange_queries_total`).Inc()
}

// executions converts store execution rows to their wire shape,
// preserving the store's ascending time order.
func executions(execs []store.Execution) []wire.Executed {
	out := make([]wire.Executed, 0, len(execs))
	for _, e := range execs {
		out = append(out, wire.Executed{
			Shares: e.Shares.String(),
			Price:  e.Price.String(),
			Time:   e.Time,
		})
	}
	return out
}
