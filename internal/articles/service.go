// Package articles answers paginated article searches against the selected
// folder, either directly on the legacy file or on its local cache.
package articles

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/yourusername/pdv-sync/internal/cache"
	"github.com/yourusername/pdv-sync/internal/folder"
	"github.com/yourusername/pdv-sync/internal/legacy"
)

// ErrInvalidQuery is matched by every validation failure.
var ErrInvalidQuery = errors.New("invalid query")

// ValidationError names the offending query field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidQuery }

// Query limits.
const (
	MaxPageSize   = 100
	MaxTermLength = 100
	MaxFamilyLen  = 50

	maxFamilies = 100
)

// Source selects where searches read from.
type Source string

const (
	SourceDirect Source = "direct"
	SourceCache  Source = "cache"
)

// Stock status values.
const (
	StockOut    = "out"
	StockLow    = "low"
	StockMedium = "medium"
	StockGood   = "good"
)

// StockStatus buckets a stock quantity.
func StockStatus(stock int) string {
	switch {
	case stock <= 0:
		return StockOut
	case stock <= 5:
		return StockLow
	case stock <= 20:
		return StockMedium
	default:
		return StockGood
	}
}

// Query is one search request. Zero Page and PageSize take the defaults.
type Query struct {
	Term     string
	Family   string
	Page     int
	PageSize int
}

// ArticleView is one article as returned to clients.
type ArticleView struct {
	Code        string `json:"code"`
	Libelle     string `json:"libelle"`
	Famille     string `json:"famille"`
	PriceCents  int64  `json:"price_cents"`
	PriceTTC    string `json:"prix_ttc"`
	Stock       int    `json:"stock"`
	StockStatus string `json:"stock_status"`
}

// Pagination describes where a page sits in the result set.
type Pagination struct {
	CurrentPage  int  `json:"current_page"`
	TotalPages   int  `json:"total_pages"`
	TotalItems   int  `json:"total_items"`
	ItemsPerPage int  `json:"items_per_page"`
	HasNext      bool `json:"has_next"`
	HasPrev      bool `json:"has_prev"`
}

// SearchInfo echoes the filters that produced a page.
type SearchInfo struct {
	SearchTerm   string `json:"search_term"`
	FamilyFilter string `json:"family_filter"`
	ResultsCount int    `json:"results_count"`
	Source       Source `json:"source"`
}

// Page is one page of results.
type Page[T any] struct {
	Articles   []T        `json:"articles"`
	Pagination Pagination `json:"pagination"`
	SearchInfo SearchInfo `json:"search_info"`
}

// Acquirer is the part of legacy.Pool used for reads.
type Acquirer interface {
	Acquire(ctx context.Context, path string) (*legacy.Handle, error)
	AcquireFast(ctx context.Context, path string) (*legacy.Handle, error)
	Release(h *legacy.Handle)
}

// CacheBuilder provides the per-folder article cache.
type CacheBuilder interface {
	EnsureCache(ctx context.Context, f folder.SelectedFolder) (*cache.Handle, error)
	Families(ctx context.Context, f folder.SelectedFolder) ([]string, error)
}

// Options configures a Service.
type Options struct {
	Source          Source
	DefaultPageSize int
}

// Service runs article searches.
type Service struct {
	legacy      Acquirer
	cachePool   Acquirer
	cache       CacheBuilder
	source      Source
	defaultSize int
}

// NewService creates a Service. cachePool and builder are only used when
// opts.Source is SourceCache.
func NewService(legacyPool, cachePool Acquirer, builder CacheBuilder, opts Options) *Service {
	if opts.Source == "" {
		opts.Source = SourceDirect
	}
	if opts.DefaultPageSize <= 0 || opts.DefaultPageSize > MaxPageSize {
		opts.DefaultPageSize = 20
	}
	return &Service{
		legacy:      legacyPool,
		cachePool:   cachePool,
		cache:       builder,
		source:      opts.Source,
		defaultSize: opts.DefaultPageSize,
	}
}

// Source returns the configured source.
func (s *Service) Source() Source { return s.source }

func (s *Service) normalize(q Query) (Query, error) {
	if q.Page == 0 {
		q.Page = 1
	}
	if q.PageSize == 0 {
		q.PageSize = s.defaultSize
	}
	switch {
	case q.Page < 1:
		return q, &ValidationError{Field: "page", Reason: "must be at least 1"}
	case q.PageSize < 1 || q.PageSize > MaxPageSize:
		return q, &ValidationError{Field: "limit", Reason: fmt.Sprintf("must be between 1 and %d", MaxPageSize)}
	case utf8.RuneCountInString(q.Term) > MaxTermLength:
		return q, &ValidationError{Field: "search", Reason: fmt.Sprintf("must be at most %d characters", MaxTermLength)}
	case utf8.RuneCountInString(q.Family) > MaxFamilyLen:
		return q, &ValidationError{Field: "family", Reason: fmt.Sprintf("must be at most %d characters", MaxFamilyLen)}
	}
	return q, nil
}

func (s *Service) articleHandle(ctx context.Context, f folder.SelectedFolder) (*legacy.Handle, func(), error) {
	if s.source == SourceCache {
		ch, err := s.cache.EnsureCache(ctx, f)
		if err != nil {
			return nil, nil, err
		}
		h, err := s.cachePool.Acquire(ctx, ch.Path)
		if err != nil {
			return nil, nil, err
		}
		return h, func() { s.cachePool.Release(h) }, nil
	}

	h, err := s.legacy.AcquireFast(ctx, f.CaissPath())
	if err != nil {
		return nil, nil, err
	}
	return h, func() { s.legacy.Release(h) }, nil
}

func filter(d legacy.Dialect, q Query) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if term := strings.TrimSpace(q.Term); term != "" {
		conds = append(conds, d.Lower("Libelle")+" LIKE "+d.Lower("?"))
		args = append(args, "%"+term+"%")
	}
	if fam := strings.TrimSpace(q.Family); fam != "" {
		conds = append(conds, d.Lower("CodeFam")+" LIKE "+d.Lower("?"))
		args = append(args, "%"+fam+"%")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Search returns one page of articles matching q, with stock levels.
func (s *Service) Search(ctx context.Context, f folder.SelectedFolder, q Query) (*Page[ArticleView], error) {
	q, err := s.normalize(q)
	if err != nil {
		return nil, err
	}

	h, release, err := s.articleHandle(ctx, f)
	if err != nil {
		return nil, err
	}
	defer release()

	d := h.Dialect()
	where, args := filter(d, q)
	from := "FROM " + d.Quote(legacy.TableArticle) + where

	total, err := queryInt(ctx, h, "SELECT COUNT(*) "+from, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count articles: %w", err)
	}

	rows, err := h.QueryContext(ctx, d.SelectTop(q.Page*q.PageSize, "Code, Libelle, CodeFam, BaseTTC", from+" ORDER BY Libelle"), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search articles: %w", err)
	}
	_, found, err := legacy.ScanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to search articles: %w", err)
	}

	offset := (q.Page - 1) * q.PageSize
	if offset > len(found) {
		offset = len(found)
	}
	found = found[offset:]

	views := make([]ArticleView, 0, len(found))
	codes := make([]string, 0, len(found))
	for _, r := range found {
		legacy.FixRow(r)
		v := ArticleView{
			Code:    strings.TrimSpace(r.String("Code")),
			Libelle: r.String("Libelle"),
			Famille: r.String("CodeFam"),
		}
		if s.source == SourceCache {
			v.PriceCents = toInt64(r["BaseTTC"])
		} else if cents, err := legacy.MinorUnits(r["BaseTTC"]); err == nil {
			v.PriceCents = cents
		}
		v.PriceTTC = legacy.FormatMinorUnits(v.PriceCents)
		views = append(views, v)
		codes = append(codes, v.Code)
	}

	stocks := s.stocks(ctx, f, codes)
	for i := range views {
		views[i].Stock = stocks[views[i].Code]
		views[i].StockStatus = StockStatus(views[i].Stock)
	}

	totalPages := int(math.Ceil(float64(total) / float64(q.PageSize)))
	if totalPages < 1 {
		totalPages = 1
	}

	log.Debug().
		Str("term", q.Term).
		Str("family", q.Family).
		Int("page", q.Page).
		Int("total", total).
		Str("source", string(s.source)).
		Msg("Article search")

	return &Page[ArticleView]{
		Articles: views,
		Pagination: Pagination{
			CurrentPage:  q.Page,
			TotalPages:   totalPages,
			TotalItems:   total,
			ItemsPerPage: q.PageSize,
			HasNext:      q.Page < totalPages,
			HasPrev:      q.Page > 1,
		},
		SearchInfo: SearchInfo{
			SearchTerm:   q.Term,
			FamilyFilter: q.Family,
			ResultsCount: len(views),
			Source:       s.source,
		},
	}, nil
}

// stocks sums stock movements for codes. Failures are logged and yield an
// empty map.
func (s *Service) stocks(ctx context.Context, f folder.SelectedFolder, codes []string) map[string]int {
	out := make(map[string]int, len(codes))
	if len(codes) == 0 {
		return out
	}
	path := f.PathFor(folder.FileFacturation)
	if _, err := os.Stat(path); err != nil {
		log.Debug().Str("path", path).Msg("No facturation file, stock defaults to 0")
		return out
	}

	h, err := s.legacy.Acquire(ctx, path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Stock lookup failed")
		return out
	}
	defer s.legacy.Release(h)

	d := h.Dialect()
	marks := strings.TrimSuffix(strings.Repeat("?,", len(codes)), ",")
	args := make([]interface{}, len(codes))
	for i, c := range codes {
		args[i] = c
	}
	query := fmt.Sprintf("SELECT CodeArticle, SUM(Quantite) AS TotalStock FROM %s WHERE CodeArticle IN (%s) GROUP BY CodeArticle",
		d.Quote(legacy.TableMouvementstock), marks)

	rows, err := h.QueryContext(ctx, query, args...)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Stock lookup failed")
		return out
	}
	_, records, err := legacy.ScanRows(rows)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Stock lookup failed")
		return out
	}
	for _, r := range records {
		out[strings.TrimSpace(legacy.FixEncoding(r.String("CodeArticle")))] = int(toInt64(r["TotalStock"]))
	}
	return out
}

// Families returns the distinct article families of f.
func (s *Service) Families(ctx context.Context, f folder.SelectedFolder) ([]string, error) {
	if s.source == SourceCache {
		return s.cache.Families(ctx, f)
	}

	h, err := s.legacy.AcquireFast(ctx, f.CaissPath())
	if err != nil {
		return nil, err
	}
	defer s.legacy.Release(h)

	// Access wants DISTINCT before TOP, so the limit is applied here.
	rows, err := h.QueryContext(ctx, "SELECT DISTINCT CodeFam FROM "+h.Dialect().Quote(legacy.TableArticle)+
		" WHERE CodeFam IS NOT NULL AND CodeFam <> '' ORDER BY CodeFam")
	if err != nil {
		return nil, fmt.Errorf("failed to list families: %w", err)
	}
	_, records, err := legacy.ScanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list families: %w", err)
	}
	if len(records) > maxFamilies {
		records = records[:maxFamilies]
	}
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, legacy.FixEncoding(r.String("CodeFam")))
	}
	return out, nil
}

func queryInt(ctx context.Context, h *legacy.Handle, query string, args ...interface{}) (int, error) {
	rows, err := h.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, rows.Err()
}

// toInt64 truncates numeric driver values the way the legacy reports do.
func toInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	case string:
		s := strings.Replace(strings.TrimSpace(x), ",", ".", 1)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(f)
		}
	}
	return 0
}
