// Command discount-ingest bulk-loads discount codes from gzipped partner code
// lists. A code is issued only when it appears in at least --quorum of the
// lists; every issued code gets the same reduction and validity window.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront-checkout/internal/domain/discount"
	"github.com/xenking/storefront-checkout/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	progressEvery = 10_000_000
	minCodeLen    = 4
	maxCodeLen    = 32
	batchSize     = 10_000
	maxSources    = 64
)

type options struct {
	dataDir          string
	pattern          string
	databaseURL      string
	quorum           int
	expectedCodes    uint
	factor           string
	amount           string
	minSpend         string
	validDays        int
	usageLimit       int
	perIdentityLimit int
	productID        int64
	description      string
}

func main() {
	var o options

	flag.StringVar(&o.dataDir, "data-dir", "data", "directory containing the code lists")
	flag.StringVar(&o.pattern, "pattern", "*.gz", "glob selecting code lists inside data-dir")
	flag.StringVar(&o.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&o.quorum, "quorum", 2, "minimum number of lists a code must appear in")
	flag.UintVar(&o.expectedCodes, "expected-codes", 50_000_000, "expected codes per list, sizes the bloom filters")
	flag.StringVar(&o.factor, "factor", "", "percentage factor, e.g. 0.9 for 10% off")
	flag.StringVar(&o.amount, "amount", "", "fixed amount off")
	flag.StringVar(&o.minSpend, "min-spend", "0", "minimum spend")
	flag.IntVar(&o.validDays, "valid-days", 30, "validity window in days starting now")
	flag.IntVar(&o.usageLimit, "usage-limit", 0, "global usage limit, 0 for unlimited")
	flag.IntVar(&o.perIdentityLimit, "per-identity-limit", 1, "uses per shopper, 0 for unlimited")
	flag.Int64Var(&o.productID, "product-id", 0, "restrict codes to one product, 0 for store-wide")
	flag.StringVar(&o.description, "description", "Partner promo code", "description stored with every code")
	flag.Parse()

	if o.databaseURL == "" {
		o.databaseURL = os.Getenv("DATABASE_URL")
	}
	if o.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, o); err != nil {
		slog.Error("discount ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("discount ingest completed successfully")
}

func run(ctx context.Context, o options) error {
	tmpl, err := o.template(time.Now())
	if err != nil {
		return errors.Wrap(err, "invalid discount options")
	}

	files, err := filepath.Glob(filepath.Join(o.dataDir, o.pattern))
	if err != nil {
		return errors.Wrap(err, "list code files")
	}
	switch {
	case len(files) == 0:
		return errors.Errorf("no files match %s", filepath.Join(o.dataDir, o.pattern))
	case len(files) > maxSources:
		return errors.Errorf("at most %d files are supported, got %d", maxSources, len(files))
	case o.quorum < 1 || o.quorum > len(files):
		return errors.Errorf("quorum must be between 1 and %d", len(files))
	}

	var filters []*bloom.BloomFilter
	if o.quorum > 1 {
		// Pass 1: one bloom filter per list.
		slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))
		if filters, err = buildBloomFilters(ctx, files, o.expectedCodes); err != nil {
			return errors.Wrap(err, "build bloom filters")
		}
	}

	// Pass 2: collect codes seen in enough lists.
	slog.Info("pass 2: finding candidate codes", slog.Int("quorum", o.quorum))
	codes, err := findValidCodes(ctx, files, filters, o.quorum)
	if err != nil {
		return errors.Wrap(err, "find valid codes")
	}
	slog.Info("valid codes found", slog.Int("count", len(codes)))
	if len(codes) == 0 {
		slog.Info("no valid codes to insert")
		return nil
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, o.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := writeCodes(ctx, postgres.NewDiscountRepository(pool), tmpl, codes); err != nil {
		return errors.Wrap(err, "write discount codes to database")
	}
	return nil
}

// template validates the shared rule once so that per-code work is a copy.
func (o options) template(now time.Time) (discount.CreateParams, error) {
	p := discount.CreateParams{
		Code:        "TEMPLATE",
		ValidFrom:   now,
		ValidTo:     now.AddDate(0, 0, o.validDays),
		Description: o.description,
	}
	var err error
	if p.Factor, err = optDecimal(o.factor); err != nil {
		return p, errors.Wrap(err, "factor")
	}
	if p.Amount, err = optDecimal(o.amount); err != nil {
		return p, errors.Wrap(err, "amount")
	}
	if p.MinSpend, err = decimal.NewFromString(o.minSpend); err != nil {
		return p, errors.Wrap(err, "min-spend")
	}
	if o.usageLimit > 0 {
		p.UsageLimit = &o.usageLimit
	}
	if o.perIdentityLimit > 0 {
		p.PerIdentityLimit = &o.perIdentityLimit
	}
	if o.productID > 0 {
		p.ProductID = &o.productID
	}
	if _, err := discount.NewCode(p); err != nil {
		return p, err
	}
	return p, nil
}

func optDecimal(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// buildBloomFilters creates one bloom filter per file, concurrently.
func buildBloomFilters(ctx context.Context, files []string, capacity uint) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(capacity, bloomFPR)
			var count uint64
			if err := streamGzFile(ctx, f, func(code string) {
				filter.AddString(code)
				count++
				if count%progressEvery == 0 {
					slog.Info("pass 1 progress", slog.String("file", f), slog.Uint64("codes", count))
				}
			}); err != nil {
				return errors.Wrapf(err, "build filter for %s", f)
			}
			slog.Info("pass 1 complete", slog.String("file", f), slog.Uint64("total_codes", count))
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// findValidCodes re-streams every file. A code is a candidate in file i when
// it is in the quorum trivially (quorum 1) or some other file's filter may
// contain it. The per-file bitmasks are then merged and counted exactly, so
// bloom false positives never let a code through.
func findValidCodes(ctx context.Context, files []string, filters []*bloom.BloomFilter, quorum int) ([]string, error) {
	masks := make([]map[string]uint64, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			found := make(map[string]uint64)
			bit := uint64(1) << uint(i)
			if err := streamGzFile(ctx, f, func(code string) {
				if quorum > 1 && !inOtherFilter(filters, i, code) {
					return
				}
				found[code] |= bit
			}); err != nil {
				return errors.Wrapf(err, "scan %s for candidates", f)
			}
			slog.Info("pass 2 complete", slog.String("file", f), slog.Int("candidates", len(found)))
			masks[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]uint64)
	for _, m := range masks {
		for code, mask := range m {
			merged[code] |= mask
		}
	}

	var valid []string
	for code, mask := range merged {
		if bits.OnesCount64(mask) >= quorum {
			valid = append(valid, code)
		}
	}
	sort.Strings(valid)
	return valid, nil
}

func inOtherFilter(filters []*bloom.BloomFilter, self int, code string) bool {
	for j, f := range filters {
		if j != self && f.TestString(code) {
			return true
		}
	}
	return false
}

// streamGzFile calls fn with every well-formed code in a gzip-compressed
// file, normalized to upper case.
func streamGzFile(ctx context.Context, path string, fn func(code string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		code := discount.NormalizeCode(scanner.Text())
		if len(code) < minCodeLen || len(code) > maxCodeLen {
			continue
		}
		fn(code)
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

type codeStore interface {
	Existing(ctx context.Context, codes []string) ([]string, error)
	CopyCodes(ctx context.Context, codes []*discount.Code) (int64, error)
}

// writeCodes inserts codes in batches, skipping those already stored.
func writeCodes(ctx context.Context, store codeStore, tmpl discount.CreateParams, codes []string) error {
	slog.Info("writing discount codes to database", slog.Int("count", len(codes)))

	var written, skipped int64
	for start := 0; start < len(codes); start += batchSize {
		batch := codes[start:min(start+batchSize, len(codes))]

		existing, err := store.Existing(ctx, batch)
		if err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(existing))
		for _, c := range existing {
			seen[c] = struct{}{}
		}

		rows := make([]*discount.Code, 0, len(batch)-len(existing))
		for _, code := range batch {
			if _, ok := seen[code]; ok {
				continue
			}
			p := tmpl
			p.Code = code
			c, err := discount.NewCode(p)
			if err != nil {
				return errors.Wrapf(err, "build code %s", code)
			}
			rows = append(rows, c)
		}

		n, err := store.CopyCodes(ctx, rows)
		if err != nil {
			return err
		}
		written += n
		skipped += int64(len(existing))
		slog.Info("write progress",
			slog.Int64("written", written),
			slog.Int64("skipped", skipped),
			slog.Int("total", len(codes)),
		)
	}
	return nil
}
