package catalog

import (
	"context"
	"errors"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrPriceNotFound   = errors.New("price not found")
)

type Repository interface {
	UpsertProduct(ctx context.Context, p *Product) (created bool, err error)
	UpsertPrice(ctx context.Context, p *Price) (created bool, err error)
	ListProducts(ctx context.Context) ([]Product, error)
	GetProduct(ctx context.Context, id uint) (*Product, error)
	SetProductCourses(ctx context.Context, id uint, courseIDs []string) (*Product, error)
	FindActivePrice(ctx context.Context, stripePriceID string) (*Price, *Product, error)
	CourseIDsForProduct(ctx context.Context, stripeProductID string) ([]string, error)
}

type gormRepository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// UpsertProduct keys on StripeProductID. Pinned course lists survive a sync.
func (r *gormRepository) UpsertProduct(ctx context.Context, p *Product) (bool, error) {
	var existing Product
	err := r.db.WithContext(ctx).Where("stripe_product_id = ?", p.StripeProductID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, r.db.WithContext(ctx).Create(p).Error
	}
	if err != nil {
		return false, err
	}

	existing.Name = p.Name
	existing.Active = p.Active
	if !existing.CoursesPinned {
		existing.CourseIDs = p.CourseIDs
	}
	if err := r.db.WithContext(ctx).Omit("Prices").Save(&existing).Error; err != nil {
		return false, err
	}
	*p = existing
	return false, nil
}

func (r *gormRepository) UpsertPrice(ctx context.Context, p *Price) (bool, error) {
	var existing Price
	err := r.db.WithContext(ctx).Where("stripe_price_id = ?", p.StripePriceID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, r.db.WithContext(ctx).Create(p).Error
	}
	if err != nil {
		return false, err
	}

	p.ID = existing.ID
	p.CreatedAt = existing.CreatedAt
	return false, r.db.WithContext(ctx).Save(p).Error
}

func (r *gormRepository) ListProducts(ctx context.Context) ([]Product, error) {
	var products []Product
	err := r.db.WithContext(ctx).
		Preload("Prices", func(db *gorm.DB) *gorm.DB { return db.Order("unit_amount ASC") }).
		Order("name ASC").
		Find(&products).Error
	return products, err
}

func (r *gormRepository) GetProduct(ctx context.Context, id uint) (*Product, error) {
	var p Product
	if err := r.db.WithContext(ctx).Preload("Prices").First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}
	return &p, nil
}

// SetProductCourses replaces the course list and pins it against sync.
func (r *gormRepository) SetProductCourses(ctx context.Context, id uint, courseIDs []string) (*Product, error) {
	p, err := r.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	p.CourseIDs = append(datatypes.JSONSlice[string]{}, courseIDs...)
	p.CoursesPinned = true
	if err := r.db.WithContext(ctx).Omit("Prices").Save(p).Error; err != nil {
		return nil, err
	}
	return p, nil
}

// FindActivePrice returns an active price together with its active product.
func (r *gormRepository) FindActivePrice(ctx context.Context, stripePriceID string) (*Price, *Product, error) {
	var price Price
	err := r.db.WithContext(ctx).
		Where("stripe_price_id = ? AND active = ?", stripePriceID, true).
		First(&price).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrPriceNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	var product Product
	err = r.db.WithContext(ctx).
		Where("stripe_product_id = ? AND active = ?", price.StripeProductID, true).
		First(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrProductNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return &price, &product, nil
}

func (r *gormRepository) CourseIDsForProduct(ctx context.Context, stripeProductID string) ([]string, error) {
	var p Product
	err := r.db.WithContext(ctx).Where("stripe_product_id = ?", stripeProductID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return []string(p.CourseIDs), nil
}
