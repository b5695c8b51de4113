package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/auth"
	"github.com/xenking/storefront-checkout/internal/domain/discount"
	"github.com/xenking/storefront-checkout/internal/domain/product"
	"github.com/xenking/storefront-checkout/internal/storage/postgres"
)

type catalogJSON struct {
	Products      []productJSON  `json:"products"`
	DiscountCodes []discountJSON `json:"discount_codes"`
}

type productJSON struct {
	ID        int64           `json:"id"`
	Title     string          `json:"title"`
	BasePrice decimal.Decimal `json:"base_price"`
	Category  string          `json:"category"`
	ImageURL  string          `json:"image_url"`
	Inactive  bool            `json:"inactive"`
	Sales     []saleJSON      `json:"sales"`
}

// saleJSON windows are relative to the seed time so that demo data stays
// current.
type saleJSON struct {
	Factor      decimal.Decimal `json:"factor"`
	StartOffset string          `json:"start_offset"`
	Duration    string          `json:"duration"`
	Description string          `json:"description"`
}

type discountJSON struct {
	Code             string           `json:"code"`
	Factor           *decimal.Decimal `json:"discount_factor"`
	Amount           *decimal.Decimal `json:"discount_amount"`
	MinSpend         decimal.Decimal  `json:"min_spend"`
	ProductID        *int64           `json:"product_id"`
	ValidDays        int              `json:"valid_days"`
	UsageLimit       *int             `json:"usage_limit"`
	PerIdentityLimit *int             `json:"per_identity_limit"`
	Description      string           `json:"description"`
}

func main() {
	var (
		databaseURL string
		catalogFile string
		apiKey      string
		pepper      string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog-file", "db/seed/catalog.json", "path to catalog JSON file")
	flag.StringVar(&apiKey, "api-key", "", "admin API key to seed (or SHOP_SEED_API_KEY env)")
	flag.StringVar(&pepper, "admin-key-pepper", "", "HMAC pepper for API key hashing (or SHOP_ADMIN_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("SHOP_SEED_API_KEY")
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or SHOP_SEED_API_KEY")
		os.Exit(1)
	}
	if pepper == "" {
		pepper = os.Getenv("SHOP_ADMIN_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, catalogFile, apiKey, pepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, catalogFile, apiKey, pepper string) error {
	slog.Info("reading catalog file", slog.String("path", catalogFile))

	data, err := os.ReadFile(catalogFile)
	if err != nil {
		return errors.Wrap(err, "read catalog file")
	}
	var catalog catalogJSON
	if err := json.Unmarshal(data, &catalog); err != nil {
		return errors.Wrap(err, "parse catalog JSON")
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	now := time.Now().UTC().Truncate(time.Second)
	tx := postgres.NewTxManager(pool)

	if err := tx.WithinTx(ctx, func(ctx context.Context) error {
		return seedProducts(ctx, postgres.NewProductRepository(pool), catalog.Products, now)
	}); err != nil {
		return errors.Wrap(err, "seed products")
	}

	if err := seedDiscounts(ctx, postgres.NewDiscountRepository(pool), catalog.DiscountCodes, now); err != nil {
		return errors.Wrap(err, "seed discount codes")
	}

	if err := seedAPIKey(ctx, postgres.NewAPIKeyRepository(pool), apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	return nil
}

func seedProducts(ctx context.Context, repo *postgres.ProductRepository, products []productJSON, now time.Time) error {
	slog.Info("upserting products", slog.Int("count", len(products)))

	categories := make(map[string]int64)
	for _, pj := range products {
		p, err := pj.product(now)
		if err != nil {
			return errors.Wrapf(err, "product %d", pj.ID)
		}
		if pj.Category != "" {
			id, ok := categories[pj.Category]
			if !ok {
				if id, err = repo.SaveCategory(ctx, pj.Category); err != nil {
					return err
				}
				categories[pj.Category] = id
			}
			p.CategoryID = id
		}
		if err := repo.Save(ctx, p); err != nil {
			return err
		}

		slog.Info("upserted product",
			slog.Int64("id", p.ID),
			slog.String("title", p.Title),
			slog.Int("sales", len(p.Sales)),
		)
	}

	return repo.SyncSequence(ctx)
}

func (pj productJSON) product(now time.Time) (*product.Product, error) {
	if pj.ID <= 0 || pj.Title == "" {
		return nil, errors.New("id and title are required")
	}
	if pj.BasePrice.IsNegative() {
		return nil, errors.New("base price must not be negative")
	}
	p := &product.Product{
		ID:        pj.ID,
		Title:     pj.Title,
		BasePrice: pj.BasePrice,
		IsActive:  !pj.Inactive,
		ImageURL:  pj.ImageURL,
	}
	for _, sj := range pj.Sales {
		offset, err := time.ParseDuration(sj.StartOffset)
		if err != nil {
			return nil, errors.Wrap(err, "sale start_offset")
		}
		dur, err := time.ParseDuration(sj.Duration)
		if err != nil {
			return nil, errors.Wrap(err, "sale duration")
		}
		start := now.Add(offset)
		p.Sales = append(p.Sales, product.Sale{
			Factor:      sj.Factor,
			StartTime:   start,
			EndTime:     start.Add(dur),
			Description: sj.Description,
		})
	}
	return p, nil
}

func seedDiscounts(ctx context.Context, repo *postgres.DiscountRepository, codes []discountJSON, now time.Time) error {
	slog.Info("seeding discount codes", slog.Int("count", len(codes)))

	names := make([]string, len(codes))
	for i, c := range codes {
		names[i] = discount.NormalizeCode(c.Code)
	}
	existing, err := repo.Existing(ctx, names)
	if err != nil {
		return err
	}
	skip := make(map[string]struct{}, len(existing))
	for _, c := range existing {
		skip[c] = struct{}{}
	}

	for _, cj := range codes {
		c, err := discount.NewCode(discount.CreateParams{
			Code:             cj.Code,
			ProductID:        cj.ProductID,
			Factor:           cj.Factor,
			Amount:           cj.Amount,
			MinSpend:         cj.MinSpend,
			ValidFrom:        now,
			ValidTo:          now.AddDate(0, 0, cj.ValidDays),
			UsageLimit:       cj.UsageLimit,
			PerIdentityLimit: cj.PerIdentityLimit,
			Description:      cj.Description,
		})
		if err != nil {
			return errors.Wrapf(err, "discount code %s", cj.Code)
		}
		if _, ok := skip[c.Code]; ok {
			slog.Info("discount code exists, skipping", slog.String("code", c.Code))
			continue
		}
		if err := repo.Create(ctx, c); err != nil {
			return err
		}

		slog.Info("created discount code", slog.String("code", c.Code), slog.String("reduction", c.Reduction.String()))
	}

	return nil
}

func seedAPIKey(ctx context.Context, repo *postgres.APIKeyRepository, apiKey, pepper string) error {
	slog.Info("seeding admin API key")

	info := auth.APIKeyInfo{
		ID:      "default-admin",
		KeyHash: auth.Hash([]byte(pepper), apiKey),
		Name:    "Default admin key",
		Scopes:  []string{auth.ScopeAdmin},
	}
	if err := repo.Save(ctx, info); err != nil {
		return err
	}

	slog.Info("upserted API key", slog.String("id", info.ID), slog.String("name", info.Name))

	return nil
}
