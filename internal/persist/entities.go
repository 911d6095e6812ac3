package persist

import (
	"context"
	"errors"

	"mostrador/backend/internal/domain"
	"mostrador/backend/internal/reconcile"
	"mostrador/backend/internal/store"
)

func (a *Adapter) SaveProduct(ctx context.Context, app domain.AppContext, p domain.Product) (Result[domain.Product], error) {
	rows, err := a.Rows()
	if err != nil {
		return Result[domain.Product]{}, err
	}
	p.Barcode = domain.NormalizeBarcode(p.Barcode)
	return Save(ctx, a, rows.Products(), ProductKeys, app, p)
}

func (a *Adapter) DeleteProduct(ctx context.Context, app domain.AppContext, id string) (Result[domain.Product], error) {
	rows, err := a.Rows()
	if err != nil {
		return Result[domain.Product]{}, err
	}
	return Delete(ctx, a, rows.Products(), ProductKeys, app, id)
}

// SaveClient refuses to let an incomplete credit profile overwrite a richer
// one already stored for the same client.
func (a *Adapter) SaveClient(ctx context.Context, app domain.AppContext, c domain.Client) (Result[domain.Client], error) {
	rows, err := a.Rows()
	if err != nil {
		return Result[domain.Client]{}, err
	}
	c.Document = c.NaturalKey()

	existing, found, err := a.findClient(ctx, rows, app, c)
	if err != nil {
		return Result[domain.Client]{}, err
	}
	if found {
		guarded, intervened := reconcile.GuardCreditProfile(existing, c)
		if intervened {
			a.logger.Warn().Str("client_id", existing.ID).Str("tier", string(existing.Tier)).
				Msg("incoming client without credit profile, keeping stored tier and limit")
		}
		c = guarded
	}
	return Save(ctx, a, rows.Clients(), ClientKeys, app, c)
}

func (a *Adapter) findClient(ctx context.Context, rows store.RowStore, app domain.AppContext, c domain.Client) (domain.Client, bool, error) {
	lookup := func(fn func(context.Context) (domain.Client, error)) (domain.Client, bool, error) {
		found, err := Retry(ctx, a, "get clients", fn)
		if errors.Is(err, store.ErrNotFound) {
			return domain.Client{}, false, nil
		}
		return found, err == nil, err
	}
	if domain.IsCanonicalID(c.ID) {
		existing, ok, err := lookup(func(ctx context.Context) (domain.Client, error) {
			return rows.Clients().Get(ctx, app.Scope, c.ID)
		})
		if ok || err != nil {
			return existing, ok, err
		}
	}
	if key := c.NaturalKey(); key != "" {
		return lookup(func(ctx context.Context) (domain.Client, error) {
			return rows.Clients().GetByNaturalKey(ctx, app.Scope, key)
		})
	}
	return domain.Client{}, false, nil
}

func (a *Adapter) DeleteClient(ctx context.Context, app domain.AppContext, id string) (Result[domain.Client], error) {
	rows, err := a.Rows()
	if err != nil {
		return Result[domain.Client]{}, err
	}
	return Delete(ctx, a, rows.Clients(), ClientKeys, app, id)
}

func (a *Adapter) SaveInvoice(ctx context.Context, app domain.AppContext, inv domain.Invoice) (Result[domain.Invoice], error) {
	rows, err := a.Rows()
	if err != nil {
		return Result[domain.Invoice]{}, err
	}
	return Save(ctx, a, rows.Invoices(), InvoiceKeys, app, inv)
}

func (a *Adapter) DeleteInvoice(ctx context.Context, app domain.AppContext, id string) error {
	rows, err := a.Rows()
	if err != nil {
		return err
	}
	_, err = Delete(ctx, a, rows.Invoices(), InvoiceKeys, app, id)
	return err
}
