package catalog

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"checkout-gateway/internal/domain/checkout"
)

func newTestRepo(t *testing.T) Repository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Product{}, &Price{}))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewRepository(db)
}

func TestUpsertProduct_PinnedCoursesSurviveSync(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	p := &Product{StripeProductID: "prod_1", Name: "Course", CourseIDs: datatypes.JSONSlice[string]{"a"}, Active: true}
	created, err := repo.UpsertProduct(ctx, p)
	require.NoError(t, err)
	assert.True(t, created)

	_, err = repo.SetProductCourses(ctx, p.ID, []string{"pinned"})
	require.NoError(t, err)

	created, err = repo.UpsertProduct(ctx, &Product{StripeProductID: "prod_1", Name: "Renamed", CourseIDs: datatypes.JSONSlice[string]{"b"}, Active: true})
	require.NoError(t, err)
	assert.False(t, created)

	ids, err := repo.CourseIDsForProduct(ctx, "prod_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"pinned"}, ids)

	got, err := repo.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.True(t, got.CoursesPinned)
}

func TestUpsertProduct_UnpinnedCoursesFollowSync(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.UpsertProduct(ctx, &Product{StripeProductID: "prod_1", CourseIDs: datatypes.JSONSlice[string]{"a"}, Active: true})
	require.NoError(t, err)
	_, err = repo.UpsertProduct(ctx, &Product{StripeProductID: "prod_1", CourseIDs: datatypes.JSONSlice[string]{"b", "c"}, Active: true})
	require.NoError(t, err)

	ids, err := repo.CourseIDsForProduct(ctx, "prod_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids)
}

func TestFindActivePrice(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.UpsertProduct(ctx, &Product{StripeProductID: "prod_1", Name: "Course", Active: true})
	require.NoError(t, err)
	_, err = repo.UpsertProduct(ctx, &Product{StripeProductID: "prod_off", Name: "Old", Active: false})
	require.NoError(t, err)

	_, err = repo.UpsertPrice(ctx, &Price{StripePriceID: "price_plan", StripeProductID: "prod_1", UnitAmount: 10000, Currency: "usd", Interval: "month", IntervalCount: 1, PaymentCount: 3, Active: true})
	require.NoError(t, err)
	_, err = repo.UpsertPrice(ctx, &Price{StripePriceID: "price_old", StripeProductID: "prod_off", Active: true})
	require.NoError(t, err)
	_, err = repo.UpsertPrice(ctx, &Price{StripePriceID: "price_inactive", StripeProductID: "prod_1", Active: false})
	require.NoError(t, err)

	price, product, err := repo.FindActivePrice(ctx, "price_plan")
	require.NoError(t, err)
	assert.Equal(t, "prod_1", product.StripeProductID)
	assert.Equal(t, checkout.PaymentTypePaymentPlan, price.PaymentType())

	_, _, err = repo.FindActivePrice(ctx, "price_inactive")
	assert.ErrorIs(t, err, ErrPriceNotFound)
	_, _, err = repo.FindActivePrice(ctx, "price_old")
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestUpsertPrice_UpdatesInPlace(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.UpsertProduct(ctx, &Product{StripeProductID: "prod_1", Name: "Course", Active: true})
	require.NoError(t, err)
	created, err := repo.UpsertPrice(ctx, &Price{StripePriceID: "price_1", StripeProductID: "prod_1", UnitAmount: 100, Active: true})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = repo.UpsertPrice(ctx, &Price{StripePriceID: "price_1", StripeProductID: "prod_1", UnitAmount: 250, Active: true})
	require.NoError(t, err)
	assert.False(t, created)

	products, err := repo.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Len(t, products[0].Prices, 1)
	assert.Equal(t, int64(250), products[0].Prices[0].UnitAmount)
}

func TestPricePaymentType(t *testing.T) {
	assert.Equal(t, checkout.PaymentTypeOneTime, (&Price{}).PaymentType())
	assert.Equal(t, checkout.PaymentTypeSubscription, (&Price{Interval: "month"}).PaymentType())
	assert.Equal(t, checkout.PaymentTypePaymentPlan, (&Price{Interval: "month", PaymentCount: 6}).PaymentType())
}

func TestGetProduct_Missing(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.GetProduct(context.Background(), 42)
	assert.ErrorIs(t, err, ErrProductNotFound)
	_, err = repo.SetProductCourses(context.Background(), 42, []string{"x"})
	assert.ErrorIs(t, err, ErrProductNotFound)
}
