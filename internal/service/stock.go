package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"mostrador/backend/internal/domain"
	"mostrador/backend/internal/persist"
	"mostrador/backend/internal/store"
)

// adjustStockLocked applies moves atomically and merges the result into the
// view.
func (s *Service) adjustStockLocked(ctx context.Context, app domain.AppContext, v *view, moves []domain.StockMove) ([]domain.Product, error) {
	rows, err := s.rows()
	if err != nil {
		return nil, err
	}
	updated, err := persist.Retry(ctx, s.adapter, "adjust stock", func(ctx context.Context) ([]domain.Product, error) {
		return rows.AdjustStock(ctx, app.Scope, moves)
	})
	if err != nil {
		return nil, stockError(err)
	}
	v.absorbProducts(updated)
	return updated, nil
}

func findProduct(rows []domain.Product, id string) domain.Product {
	for _, p := range rows {
		if p.ID == id {
			return p
		}
	}
	return domain.Product{}
}

// RecordPurchase receives goods into the warehouse. When paid from the vault
// the cost leaves the vault balance, and the product cost follows the latest
// unit cost.
func (s *Service) RecordPurchase(ctx context.Context, app domain.AppContext, req domain.PurchaseRequest) (domain.Purchase, error) {
	if err := validateApp(app); err != nil {
		return domain.Purchase{}, err
	}
	if err := requireAdmin(app); err != nil {
		return domain.Purchase{}, err
	}
	if req.Qty <= 0 {
		return domain.Purchase{}, domain.Invalid(domain.CodeInvalidQuantity, "qty", "quantity must be positive")
	}
	if req.UnitCost.IsNegative() {
		return domain.Purchase{}, domain.Invalid(domain.CodeInvalidAmount, "unit_cost", "unit cost cannot be negative")
	}

	unlock := s.lock(app.Scope)
	defer unlock()
	v, err := s.viewLocked(ctx, app.Scope)
	if err != nil {
		return domain.Purchase{}, err
	}
	product, ok := v.product(req.ProductID)
	if !ok {
		return domain.Purchase{}, domain.Invalid(domain.CodeUnknownProduct, "product_id", "product %s not found", req.ProductID)
	}
	rows, err := s.rows()
	if err != nil {
		return domain.Purchase{}, err
	}

	cost := req.UnitCost.Mul(decimal.NewFromInt(int64(req.Qty)))
	paid := req.PaidFromVault && cost.IsPositive()
	if paid {
		if _, err := persist.Retry(ctx, s.adapter, "debit vault", func(ctx context.Context) (map[string]decimal.Decimal, error) {
			return rows.ApplyBalanceDeltas(ctx, app.Scope, map[string]decimal.Decimal{domain.VaultHolder: cost.Neg()})
		}); err != nil {
			if errors.Is(err, store.ErrInsufficientFunds) {
				return domain.Purchase{}, domain.Invalid(domain.CodeTransferShortfall, "paid_from_vault", "vault cannot cover %s", cost.StringFixed(0)).WithAmount(cost)
			}
			return domain.Purchase{}, err
		}
	}

	updated, err := s.adjustStockLocked(ctx, app, v, []domain.StockMove{{ProductID: product.ID, WarehouseDelta: req.Qty}})
	if err != nil {
		if paid {
			s.adjustBalances(ctx, app, map[string]decimal.Decimal{domain.VaultHolder: cost})
		}
		return domain.Purchase{}, err
	}
	product = findProduct(updated, product.ID)

	if req.UnitCost.IsPositive() && !req.UnitCost.Equal(product.Cost) {
		product.Cost = req.UnitCost
		if saved, err := s.adapter.SaveProduct(ctx, app, product); err != nil {
			s.logger.Warn().Err(err).Str("product_id", product.ID).Msg("failed to update product cost")
		} else {
			v.products = replaceByID(v.products, persist.ProductKeys.ID, saved.Row)
		}
	}

	purchase, err := persist.Retry(ctx, s.adapter, "insert purchase", func(ctx context.Context) (domain.Purchase, error) {
		return rows.Purchases().Insert(ctx, app.Scope, domain.Purchase{
			ProductID:     product.ID,
			Qty:           req.Qty,
			UnitCost:      req.UnitCost,
			Supplier:      strings.TrimSpace(req.Supplier),
			PaidFromVault: paid,
			UserID:        app.UserID,
			CreatedAt:     s.now(),
		})
	})
	if err != nil {
		return domain.Purchase{}, err
	}
	s.audit(ctx, app, "purchase_create", "purchase", purchase.ID, fmt.Sprintf("product=%s,qty=%d,cost=%s", product.ID, req.Qty, cost))
	return purchase, nil
}

// MoveStockToPOS moves units from the warehouse to the point-of-sale shelf.
func (s *Service) MoveStockToPOS(ctx context.Context, app domain.AppContext, req domain.StockMoveRequest) (domain.Product, error) {
	if err := validateApp(app); err != nil {
		return domain.Product{}, err
	}
	if req.Qty <= 0 {
		return domain.Product{}, domain.Invalid(domain.CodeInvalidQuantity, "qty", "quantity must be positive")
	}
	unlock := s.lock(app.Scope)
	defer unlock()
	v, err := s.viewLocked(ctx, app.Scope)
	if err != nil {
		return domain.Product{}, err
	}
	product, ok := v.product(req.ProductID)
	if !ok {
		return domain.Product{}, domain.Invalid(domain.CodeUnknownProduct, "product_id", "product %s not found", req.ProductID)
	}
	if req.Qty > product.StockWarehouse {
		return domain.Product{}, domain.Invalid(domain.CodeInsufficientStock, "qty", "warehouse holds %d", product.StockWarehouse).
			WithAmount(decimal.NewFromInt(int64(req.Qty - product.StockWarehouse)))
	}

	updated, err := s.adjustStockLocked(ctx, app, v, []domain.StockMove{{ProductID: product.ID, WarehouseDelta: -req.Qty, POSDelta: req.Qty}})
	if err != nil {
		return domain.Product{}, err
	}
	s.audit(ctx, app, "stock_to_pos", "product", product.ID, fmt.Sprintf("qty=%d", req.Qty))
	return findProduct(updated, product.ID), nil
}

// Barter swaps goods with a customer. Both stock movements apply together or
// not at all. ValueDelta is what the customer owes at list price, negative
// when the store owes.
func (s *Service) Barter(ctx context.Context, app domain.AppContext, req domain.BarterRequest) (domain.BarterResponse, error) {
	if err := validateApp(app); err != nil {
		return domain.BarterResponse{}, err
	}
	if req.ReturnedQty <= 0 || req.TakenQty <= 0 {
		return domain.BarterResponse{}, domain.Invalid(domain.CodeInvalidQuantity, "qty", "quantities must be positive")
	}
	if req.ReturnedProductID == req.TakenProductID {
		return domain.BarterResponse{}, domain.Invalid(domain.CodeSameProduct, "taken_product_id", "cannot barter a product for itself")
	}

	unlock := s.lock(app.Scope)
	defer unlock()
	v, err := s.viewLocked(ctx, app.Scope)
	if err != nil {
		return domain.BarterResponse{}, err
	}
	returned, ok := v.product(req.ReturnedProductID)
	if !ok {
		return domain.BarterResponse{}, domain.Invalid(domain.CodeUnknownProduct, "returned_product_id", "product %s not found", req.ReturnedProductID)
	}
	taken, ok := v.product(req.TakenProductID)
	if !ok {
		return domain.BarterResponse{}, domain.Invalid(domain.CodeUnknownProduct, "taken_product_id", "product %s not found", req.TakenProductID)
	}
	if req.TakenQty > taken.StockPOS {
		return domain.BarterResponse{}, domain.Invalid(domain.CodeInsufficientStock, "taken_qty", "insufficient stock: requested %d, available %d", req.TakenQty, taken.StockPOS).
			WithAmount(decimal.NewFromInt(int64(req.TakenQty - taken.StockPOS)))
	}

	updated, err := s.adjustStockLocked(ctx, app, v, []domain.StockMove{
		{ProductID: returned.ID, POSDelta: req.ReturnedQty},
		{ProductID: taken.ID, POSDelta: -req.TakenQty},
	})
	if err != nil {
		return domain.BarterResponse{}, err
	}

	takenValue := taken.Price.Mul(decimal.NewFromInt(int64(req.TakenQty)))
	returnedValue := returned.Price.Mul(decimal.NewFromInt(int64(req.ReturnedQty)))
	resp := domain.BarterResponse{
		Returned:   findProduct(updated, returned.ID),
		Taken:      findProduct(updated, taken.ID),
		ValueDelta: takenValue.Sub(returnedValue),
	}
	s.audit(ctx, app, "barter", "product", returned.ID+">"+taken.ID,
		fmt.Sprintf("returned=%d,taken=%d,value_delta=%s,note=%s", req.ReturnedQty, req.TakenQty, resp.ValueDelta, strings.TrimSpace(req.Note)))
	return resp, nil
}
