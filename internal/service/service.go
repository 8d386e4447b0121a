package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"almacenpos/terminal/internal/cart"
	"almacenpos/terminal/internal/checkout"
	"almacenpos/terminal/internal/directory"
	"almacenpos/terminal/internal/domain"
	"almacenpos/terminal/internal/salelog"
)

var (
	// ErrProductNotFound is a normal lookup outcome, not a failure.
	ErrProductNotFound = errors.New("product not found")
	ErrInvalidProduct  = errors.New("invalid product")
	ErrEmptyCart       = errors.New("cart is empty")
)

type Catalog interface {
	directory.Source
	FindProductByBarcode(ctx context.Context, barcode string) (domain.Envelope[domain.Product], error)
	CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Envelope[json.RawMessage], error)
	UpdateProduct(ctx context.Context, product domain.Product) (domain.Envelope[json.RawMessage], error)
	DeleteProduct(ctx context.Context, id int64) (domain.Envelope[json.RawMessage], error)
}

type Service struct {
	catalog   Catalog
	directory *directory.Directory
	cart      *cart.Engine
	checkout  *checkout.Submitter
	sales     *salelog.Log
	validate  *validator.Validate
	logger    *zap.Logger
}

func New(catalog Catalog, dir *directory.Directory, cartEngine *cart.Engine, submitter *checkout.Submitter, sales *salelog.Log, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		catalog:   catalog,
		directory: dir,
		cart:      cartEngine,
		checkout:  submitter,
		sales:     sales,
		validate:  validator.New(),
		logger:    logger,
	}
}

// Start loads the product directory and the sale log. A shop API that is
// down at startup is logged; the terminal keeps working on the restored cart.
func (s *Service) Start(ctx context.Context) error {
	if err := s.directory.Load(ctx, s.catalog); err != nil {
		s.logger.Warn("product directory not loaded", zap.Error(err))
		return fmt.Errorf("load products: %w", err)
	}
	s.logger.Info("product directory loaded", zap.Int("products", s.directory.Len()))

	if err := s.sales.Refresh(ctx); err != nil {
		s.logger.Warn("sale log not loaded", zap.Error(err))
	}
	return nil
}

func (s *Service) Products() []domain.Product {
	return s.directory.All()
}

func (s *Service) SearchByName(text string) []domain.Product {
	return s.directory.FindByName(text)
}

// ScanBarcode adds one unit of the product with the scanned barcode. Codes
// missing from the directory are looked up on the shop API before giving up.
func (s *Service) ScanBarcode(ctx context.Context, raw string) (domain.Product, error) {
	code := domain.NormalizeBarcode(raw)
	if code == "" {
		return domain.Product{}, ErrProductNotFound
	}

	product, ok := s.directory.FindByBarcode(code)
	if !ok {
		found, exists, err := s.LookupProductByBarcode(ctx, code)
		if err != nil {
			return domain.Product{}, err
		}
		if !exists {
			return domain.Product{}, ErrProductNotFound
		}
		s.directory.Upsert(found)
		product = domain.NormalizeProduct(found)
	}

	if err := s.cart.AddOrMerge(ctx, product, 1); err != nil {
		return product, err
	}
	s.logger.Debug("barcode scanned", zap.String("barcode", code), zap.Int64("product_id", product.ID))
	return product, nil
}

// AddProduct adds one unit of a product picked from the name search list.
func (s *Service) AddProduct(ctx context.Context, productID int64) (domain.Product, error) {
	product, ok := s.directory.FindByID(productID)
	if !ok {
		return domain.Product{}, ErrProductNotFound
	}
	if err := s.cart.AddOrMerge(ctx, product, 1); err != nil {
		return product, err
	}
	return product, nil
}

// LookupProductByBarcode asks the shop API directly. NotFoundError answers
// are reported as exists == false with a nil error.
func (s *Service) LookupProductByBarcode(ctx context.Context, code string) (domain.Product, bool, error) {
	code = domain.NormalizeBarcode(code)
	if code == "" {
		return domain.Product{}, false, nil
	}

	env, err := s.catalog.FindProductByBarcode(ctx, code)
	if err != nil {
		return domain.Product{}, false, err
	}
	if err := env.Err(); err != nil {
		var apiErr *domain.APIError
		if errors.As(err, &apiErr) && apiErr.IsNotFound() {
			return domain.Product{}, false, nil
		}
		return domain.Product{}, false, err
	}
	return domain.NormalizeProduct(env.Data), true, nil
}

// SaveProduct creates the product when its id is 0 and updates it otherwise,
// then reloads the directory.
func (s *Service) SaveProduct(ctx context.Context, input domain.ProductInput) (domain.Product, error) {
	input.Barcode = domain.NormalizeBarcode(input.Barcode)
	input.Name = domain.NormalizeName(input.Name)
	if err := s.validate.Struct(input); err != nil {
		return domain.Product{}, fmt.Errorf("%w: %s", ErrInvalidProduct, describeValidation(err))
	}
	product := input.Product()

	var (
		env domain.Envelope[json.RawMessage]
		err error
	)
	if product.ID == 0 {
		env, err = s.catalog.CreateProduct(ctx, domain.ProductCreateRequest{
			Barcode:   product.Barcode,
			Name:      product.Name,
			Stock:     product.Stock,
			CostPrice: product.CostPrice,
			SalePrice: product.SalePrice,
		})
	} else {
		env, err = s.catalog.UpdateProduct(ctx, product)
	}
	if err != nil {
		return domain.Product{}, err
	}
	if err := env.Err(); err != nil {
		return domain.Product{}, err
	}

	var saved domain.Product
	if json.Unmarshal(env.Data, &saved) == nil && saved.ID != 0 {
		product = domain.NormalizeProduct(saved)
	}
	if product.ID != 0 {
		s.directory.Upsert(product)
	}
	s.reloadDirectory(ctx)

	s.logger.Info("product saved",
		zap.Int64("product_id", product.ID),
		zap.String("barcode", product.Barcode),
		zap.Int64("sale_price", product.SalePrice),
		zap.Int("stock", product.Stock))
	return product, nil
}

// DeleteProduct removes a product from the catalog. Cart lines holding it
// keep their snapshot.
func (s *Service) DeleteProduct(ctx context.Context, productID int64) error {
	env, err := s.catalog.DeleteProduct(ctx, productID)
	if err != nil {
		return err
	}
	if err := env.Err(); err != nil {
		return err
	}
	s.directory.Remove(productID)
	s.reloadDirectory(ctx)

	s.logger.Info("product deleted", zap.Int64("product_id", productID))
	return nil
}

func (s *Service) reloadDirectory(ctx context.Context) {
	if err := s.directory.Load(ctx, s.catalog); err != nil {
		s.logger.Warn("product directory reload failed", zap.Error(err))
	}
}

func (s *Service) Cart() cart.Snapshot {
	return s.cart.Snapshot()
}

func (s *Service) SelectLine(productID int64) error {
	return s.cart.Select(productID)
}

func (s *Service) Deselect() {
	s.cart.Deselect()
}

func (s *Service) SetQuantity(ctx context.Context, productID int64, raw string) error {
	return s.cart.SetQuantity(ctx, productID, raw)
}

func (s *Service) DeleteSelected(ctx context.Context) error {
	return s.cart.DeleteSelected(ctx)
}

func (s *Service) ClearCart(ctx context.Context) error {
	s.checkout.SetCash(true)
	return s.cart.Clear(ctx)
}

func (s *Service) SetCash(isCash bool) {
	s.checkout.SetCash(isCash)
}

func (s *Service) IsCash() bool {
	return s.checkout.IsCash()
}

// SubmitSale sends the cart. A registered sale is picked up by the sale log
// on its next refresh.
func (s *Service) SubmitSale(ctx context.Context) (checkout.Result, error) {
	if s.cart.Len() == 0 {
		return checkout.Result{}, ErrEmptyCart
	}
	res, err := s.checkout.Submit(ctx)
	if err != nil {
		return res, err
	}
	if res.Success {
		if err := s.sales.Refresh(ctx); err != nil {
			s.logger.Warn("sale log refresh after submit failed", zap.Error(err))
		}
	}
	return res, nil
}

func (s *Service) Sales() []domain.Sale {
	return s.sales.View()
}

func (s *Service) RefreshSales(ctx context.Context) ([]domain.Sale, error) {
	if err := s.sales.Refresh(ctx); err != nil {
		return nil, err
	}
	return s.sales.View(), nil
}

func (s *Service) FilterSales(r domain.DateRange) []domain.Sale {
	return s.sales.Filter(r)
}

func (s *Service) ResetSales() []domain.Sale {
	return s.sales.Reset()
}

func (s *Service) DeleteSale(ctx context.Context, saleID int64) error {
	return s.sales.Delete(ctx, saleID)
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s is %s", field, fe.Tag()))
	}
	return strings.Join(parts, ", ")
}
