package service

import (
	"context"
	"fmt"
	"io"
	"strings"

	"mostrador/backend/internal/domain"
	"mostrador/backend/internal/importer"
	"mostrador/backend/internal/persist"
	"mostrador/backend/internal/reconcile"
	"mostrador/backend/internal/xid"
)

// ListProducts returns the canonical catalog without archived products.
func (s *Service) ListProducts(ctx context.Context, app domain.AppContext, includeArchived bool) ([]domain.Product, error) {
	if err := validateApp(app); err != nil {
		return nil, err
	}
	unlock := s.lock(app.Scope)
	defer unlock()

	v, err := s.viewLocked(ctx, app.Scope)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Product, 0, len(v.products))
	for _, p := range v.products {
		if includeArchived || p.Status != domain.ProductStatusArchived {
			out = append(out, p)
		}
	}
	return out, nil
}

func validateProduct(p domain.Product) error {
	if strings.TrimSpace(p.Name) == "" {
		return domain.Invalid(domain.CodeMissingField, "name", "product name is required")
	}
	if p.Price.IsNegative() || p.Cost.IsNegative() {
		return domain.Invalid(domain.CodeInvalidAmount, "price", "prices cannot be negative")
	}
	if p.StockPOS < 0 || p.StockWarehouse < 0 || p.ReorderLevel < 0 {
		return domain.Invalid(domain.CodeInvalidQuantity, "stock", "stock cannot be negative")
	}
	return nil
}

// SaveProduct creates or updates a product. The caller may send a temporary
// id; the confirmed row carries the canonical one.
func (s *Service) SaveProduct(ctx context.Context, app domain.AppContext, p domain.Product) (persist.Result[domain.Product], error) {
	if err := validateApp(app); err != nil {
		return persist.Result[domain.Product]{}, err
	}
	if err := requireAdmin(app); err != nil {
		return persist.Result[domain.Product]{}, err
	}
	p.Name = strings.TrimSpace(p.Name)
	p.Category = strings.TrimSpace(p.Category)
	p.Barcode = domain.NormalizeBarcode(p.Barcode)
	if err := validateProduct(p); err != nil {
		return persist.Result[domain.Product]{}, err
	}

	unlock := s.lock(app.Scope)
	defer unlock()
	v, err := s.viewLocked(ctx, app.Scope)
	if err != nil {
		return persist.Result[domain.Product]{}, err
	}

	// Propose: resolve the row against the canonical view so a retyped
	// product lands on the existing one.
	merged := reconcile.MergeProducts(v.products, []domain.Product{p})
	proposed := merged.Rows[merged.Touched[0]]
	proposed.UpdatedAt = s.now()
	proposed.RefreshStatus()

	if proposed.ID == "" {
		proposed.ID = xid.Temporary()
	}

	res, err := s.adapter.SaveProduct(ctx, app, proposed)
	if err != nil {
		return persist.Result[domain.Product]{}, err
	}
	v.products = reconcile.MergeProducts(removeByID(v.products, persist.ProductKeys.ID, proposed.ID), []domain.Product{res.Row}).Rows

	s.audit(ctx, app, "product_save", "product", res.Row.ID, fmt.Sprintf("outcome=%s,name=%s,price=%s", res.Outcome, res.Row.Name, res.Row.Price))
	return res, nil
}

// DeleteProduct deletes a product, or archives it when sales reference it.
func (s *Service) DeleteProduct(ctx context.Context, app domain.AppContext, id string) (persist.Result[domain.Product], error) {
	if err := validateApp(app); err != nil {
		return persist.Result[domain.Product]{}, err
	}
	if err := requireAdmin(app); err != nil {
		return persist.Result[domain.Product]{}, err
	}

	unlock := s.lock(app.Scope)
	defer unlock()
	v, err := s.viewLocked(ctx, app.Scope)
	if err != nil {
		return persist.Result[domain.Product]{}, err
	}

	res, err := s.adapter.DeleteProduct(ctx, app, id)
	if err != nil {
		return persist.Result[domain.Product]{}, err
	}
	if res.Outcome == persist.OutcomeArchived {
		v.products = replaceByID(v.products, persist.ProductKeys.ID, res.Row)
		s.notify(ctx, app, domain.EventDeleteDowngraded, map[string]string{"table": "products", "id": id})
	} else {
		v.products = removeByID(v.products, persist.ProductKeys.ID, id)
	}
	s.audit(ctx, app, "product_delete", "product", id, "outcome="+string(res.Outcome))
	return res, nil
}

// ImportProducts merges a product file into the catalog. Existing products
// missing from the file are left untouched.
func (s *Service) ImportProducts(ctx context.Context, app domain.AppContext, format string, r io.Reader) (domain.ImportResponse, error) {
	if err := validateApp(app); err != nil {
		return domain.ImportResponse{}, err
	}
	if err := requireAdmin(app); err != nil {
		return domain.ImportResponse{}, err
	}
	incoming, rejected, err := importer.Products(format, r)
	if err != nil {
		return domain.ImportResponse{}, err
	}

	unlock := s.lock(app.Scope)
	defer unlock()
	v, err := s.viewLocked(ctx, app.Scope)
	if err != nil {
		return domain.ImportResponse{}, err
	}

	now := s.now()
	merged := reconcile.MergeProducts(v.products, incoming)
	resp := domain.ImportResponse{Rejected: rejected}
	for _, idx := range merged.Touched {
		row := merged.Rows[idx]
		row.UpdatedAt = now
		row.RefreshStatus()
		res, err := s.adapter.SaveProduct(ctx, app, row)
		if err != nil {
			return resp, fmt.Errorf("import products: %w", err)
		}
		merged.Rows[idx] = res.Row
		v.products = merged.Rows
		countOutcome(&resp, res.Outcome)
	}
	v.products = reconcile.MergeProducts(nil, merged.Rows).Rows

	s.audit(ctx, app, "product_import", "product", format, fmt.Sprintf("inserted=%d,updated=%d,rejected=%d", resp.Inserted, resp.Updated, len(resp.Rejected)))
	return resp, nil
}

func countOutcome(resp *domain.ImportResponse, outcome persist.Outcome) {
	if outcome == persist.OutcomeInserted {
		resp.Inserted++
	} else {
		resp.Updated++
	}
}

func (s *Service) ListClients(ctx context.Context, app domain.AppContext, includeArchived bool) ([]domain.Client, error) {
	if err := validateApp(app); err != nil {
		return nil, err
	}
	unlock := s.lock(app.Scope)
	defer unlock()

	v, err := s.viewLocked(ctx, app.Scope)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Client, 0, len(v.clients))
	for _, c := range v.clients {
		if includeArchived || !c.Archived {
			out = append(out, c)
		}
	}
	return out, nil
}

func validateClient(c domain.Client) (domain.Client, error) {
	c.Name = strings.TrimSpace(c.Name)
	c.Document = c.NaturalKey()
	if c.Name == "" {
		return c, domain.Invalid(domain.CodeMissingField, "name", "client name is required")
	}
	tier, ok := domain.ParseTier(string(c.Tier))
	if !ok {
		return c, domain.Invalid(domain.CodeMissingField, "tier", "unknown credit tier %q", c.Tier)
	}
	c.Tier = tier
	if c.CreditLimit.IsNegative() || c.TermDays < 0 {
		return c, domain.Invalid(domain.CodeInvalidAmount, "credit_limit", "credit limit and term cannot be negative")
	}
	return c, nil
}

func (s *Service) SaveClient(ctx context.Context, app domain.AppContext, c domain.Client) (persist.Result[domain.Client], error) {
	if err := validateApp(app); err != nil {
		return persist.Result[domain.Client]{}, err
	}
	c, err := validateClient(c)
	if err != nil {
		return persist.Result[domain.Client]{}, err
	}

	unlock := s.lock(app.Scope)
	defer unlock()
	v, err := s.viewLocked(ctx, app.Scope)
	if err != nil {
		return persist.Result[domain.Client]{}, err
	}

	merged := reconcile.MergeClients(v.clients, []domain.Client{c})
	proposed := merged.Rows[merged.Touched[0]]
	proposed.UpdatedAt = s.now()
	if !app.IsAdmin() {
		// Cashiers register clients but cannot grant credit.
		if existing, ok := v.client(proposed.ID); ok {
			proposed.Tier, proposed.CreditLimit, proposed.TermDays, proposed.Blocked = existing.Tier, existing.CreditLimit, existing.TermDays, existing.Blocked
		} else if !proposed.Tier.IsBase() || proposed.CreditLimit.IsPositive() {
			return persist.Result[domain.Client]{}, fmt.Errorf("credit profile changes: %w", domain.ErrForbidden)
		}
	}

	if proposed.ID == "" {
		proposed.ID = xid.Temporary()
	}

	res, err := s.adapter.SaveClient(ctx, app, proposed)
	if err != nil {
		return persist.Result[domain.Client]{}, err
	}
	v.clients = reconcile.MergeClients(removeByID(v.clients, persist.ClientKeys.ID, proposed.ID), []domain.Client{res.Row}).Rows

	s.audit(ctx, app, "client_save", "client", res.Row.ID, fmt.Sprintf("outcome=%s,tier=%s,limit=%s", res.Outcome, res.Row.Tier, res.Row.CreditLimit))
	return res, nil
}

func (s *Service) DeleteClient(ctx context.Context, app domain.AppContext, id string) (persist.Result[domain.Client], error) {
	if err := validateApp(app); err != nil {
		return persist.Result[domain.Client]{}, err
	}
	if err := requireAdmin(app); err != nil {
		return persist.Result[domain.Client]{}, err
	}

	unlock := s.lock(app.Scope)
	defer unlock()
	v, err := s.viewLocked(ctx, app.Scope)
	if err != nil {
		return persist.Result[domain.Client]{}, err
	}

	res, err := s.adapter.DeleteClient(ctx, app, id)
	if err != nil {
		return persist.Result[domain.Client]{}, err
	}
	if res.Outcome == persist.OutcomeArchived {
		v.clients = replaceByID(v.clients, persist.ClientKeys.ID, res.Row)
		s.notify(ctx, app, domain.EventDeleteDowngraded, map[string]string{"table": "clients", "id": id})
	} else {
		v.clients = removeByID(v.clients, persist.ClientKeys.ID, id)
	}
	s.audit(ctx, app, "client_delete", "client", id, "outcome="+string(res.Outcome))
	return res, nil
}

func (s *Service) ImportClients(ctx context.Context, app domain.AppContext, format string, r io.Reader) (domain.ImportResponse, error) {
	if err := validateApp(app); err != nil {
		return domain.ImportResponse{}, err
	}
	if err := requireAdmin(app); err != nil {
		return domain.ImportResponse{}, err
	}
	incoming, rejected, err := importer.Clients(format, r)
	if err != nil {
		return domain.ImportResponse{}, err
	}

	unlock := s.lock(app.Scope)
	defer unlock()
	v, err := s.viewLocked(ctx, app.Scope)
	if err != nil {
		return domain.ImportResponse{}, err
	}

	now := s.now()
	merged := reconcile.MergeClients(v.clients, incoming)
	resp := domain.ImportResponse{Rejected: rejected}
	for _, idx := range merged.Touched {
		row := merged.Rows[idx]
		row.UpdatedAt = now
		res, err := s.adapter.SaveClient(ctx, app, row)
		if err != nil {
			return resp, fmt.Errorf("import clients: %w", err)
		}
		merged.Rows[idx] = res.Row
		v.clients = merged.Rows
		countOutcome(&resp, res.Outcome)
	}
	v.clients = reconcile.MergeClients(nil, merged.Rows).Rows

	s.audit(ctx, app, "client_import", "client", format, fmt.Sprintf("inserted=%d,updated=%d,rejected=%d", resp.Inserted, resp.Updated, len(resp.Rejected)))
	return resp, nil
}
