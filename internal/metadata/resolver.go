// Package metadata resolves token identifiers into display items by fetching
// their content-addressed descriptors.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/ipfs/go-cid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gacha-exchange/internal/domain"
	"gacha-exchange/internal/observability"
)

// IPFSScheme is the URI prefix of content-addressed token URIs.
const IPFSScheme = "ipfs://"

// Defaults for Resolver options.
const (
	DefaultCacheSize   = 1024
	DefaultConcurrency = 8
)

var (
	// ErrInvalidMetadata is returned when a descriptor is not a JSON object with
	// an attributes array and a non-empty image.
	ErrInvalidMetadata = errors.New("invalid metadata")

	// ErrInvalidURI is returned when a token URI does not carry a valid content id.
	ErrInvalidURI = errors.New("invalid token uri")
)

// BatchError reports the identifiers that failed in a Resolve call.
// The matching result slots are nil.
type BatchError struct {
	Indexes []int
	Total   int
	Err     *multierror.Error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%d of %d descriptors failed: %v", len(e.Indexes), e.Total, e.Err.ErrorOrNil())
}

func (e *BatchError) Unwrap() error {
	return e.Err.ErrorOrNil()
}

// Resolver turns raw identifiers into items. Descriptors are cached per content id.
type Resolver struct {
	fetcher     Fetcher
	gateway     string
	cache       *lru.Cache
	concurrency int
	logger      zerolog.Logger
}

// Options for creating Resolver.
type Options struct {
	// Required
	Fetcher Fetcher

	// Gateway is used to rewrite ipfs:// image URIs. Defaults to DefaultGateway.
	Gateway string

	CacheSize   int
	Concurrency int
	Logger      zerolog.Logger
}

// NewResolver creates a new Resolver.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("metadata: fetcher is required")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	gateway := opts.Gateway
	if gateway == "" {
		gateway = DefaultGateway
	}
	if !strings.HasSuffix(gateway, "/") {
		gateway += "/"
	}

	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create descriptor cache: %w", err)
	}

	return &Resolver{
		fetcher:     opts.Fetcher,
		gateway:     gateway,
		cache:       cache,
		concurrency: opts.Concurrency,
		logger:      opts.Logger.With().Str("component", "metadata").Logger(),
	}, nil
}

// Resolve fetches and classifies every identifier in parallel. The result has the
// same length and order as ids. A failed identifier leaves a nil slot and does
// not stop the others; the returned error is then a *BatchError.
func (r *Resolver) Resolve(ctx context.Context, ids []domain.RawIdentifier) ([]*domain.Item, error) {
	out := make([]*domain.Item, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	errs := make([]error, len(ids))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, raw := range ids {
		i, raw := i, raw
		g.Go(func() error {
			item, err := r.resolveOne(ctx, raw)
			if err != nil {
				errs[i] = fmt.Errorf("token %d: %w", raw.TokenID, err)
				return nil
			}
			out[i] = item
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var batch *BatchError
	for i, err := range errs {
		if err == nil {
			continue
		}
		if batch == nil {
			batch = &BatchError{Total: len(ids), Err: &multierror.Error{}}
		}
		batch.Indexes = append(batch.Indexes, i)
		batch.Err = multierror.Append(batch.Err, err)
		r.logger.Warn().Err(err).Uint64("token", ids[i].TokenID).Msg("descriptor unavailable")
	}
	if batch != nil {
		sort.Ints(batch.Indexes)
		return out, batch
	}
	return out, nil
}

func (r *Resolver) resolveOne(ctx context.Context, raw domain.RawIdentifier) (*domain.Item, error) {
	id, err := ContentID(raw.TokenURI)
	if err != nil {
		return nil, err
	}
	desc, err := r.descriptor(ctx, id)
	if err != nil {
		return nil, err
	}
	return BuildItem(raw, desc, r.gateway), nil
}

// descriptor returns the cached descriptor for a content id, fetching it on a miss.
func (r *Resolver) descriptor(ctx context.Context, contentID string) (*domain.Descriptor, error) {
	if v, ok := r.cache.Get(contentID); ok {
		observability.RecordMetadataLookup("hit")
		return v.(*domain.Descriptor), nil
	}

	body, err := r.fetcher.Fetch(ctx, contentID)
	if err != nil {
		observability.RecordMetadataLookup("error")
		return nil, err
	}
	desc, err := ParseDescriptor(body)
	if err != nil {
		observability.RecordMetadataLookup("error")
		return nil, err
	}

	observability.RecordMetadataLookup("miss")
	r.cache.Add(contentID, desc)
	return desc, nil
}

// ContentID strips the ipfs:// scheme from uri and validates the root CID.
// Paths below the root are kept ("<cid>/meta.json").
func ContentID(uri string) (string, error) {
	rest := strings.TrimPrefix(uri, IPFSScheme)
	rest = strings.TrimPrefix(rest, "ipfs/")
	rest = strings.TrimLeft(rest, "/")
	if rest == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	root := rest
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		root = rest[:i]
	}
	if _, err := cid.Decode(root); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidURI, uri, err)
	}
	return rest, nil
}

// GatewayURL rewrites an ipfs:// URI to gateway; other URIs are returned unchanged.
func GatewayURL(uri, gateway string) string {
	if !strings.HasPrefix(uri, IPFSScheme) {
		return uri
	}
	return gateway + strings.TrimPrefix(uri, IPFSScheme)
}

type rawDescriptor struct {
	Name       string          `json:"name"`
	Image      string          `json:"image"`
	Attributes *[]rawAttribute `json:"attributes"`
}

type rawAttribute struct {
	TraitType string      `json:"trait_type"`
	Value     interface{} `json:"value"`
}

// ParseDescriptor validates and decodes descriptor JSON.
func ParseDescriptor(body []byte) (*domain.Descriptor, error) {
	var raw rawDescriptor
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if raw.Attributes == nil {
		return nil, fmt.Errorf("%w: missing attributes", ErrInvalidMetadata)
	}
	if strings.TrimSpace(raw.Image) == "" {
		return nil, fmt.Errorf("%w: missing image", ErrInvalidMetadata)
	}

	desc := &domain.Descriptor{
		Name:   raw.Name,
		Image:  raw.Image,
		Traits: make([]domain.Trait, 0, len(*raw.Attributes)),
	}
	for _, a := range *raw.Attributes {
		v := traitValue(a.Value)
		if a.TraitType == "" || v == "" {
			continue
		}
		desc.Traits = append(desc.Traits, domain.Trait{Type: a.TraitType, Value: v})
	}
	return desc, nil
}

func traitValue(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

// BuildItem classifies a descriptor into an item. A descriptor with a known
// Element is a character; everything else is gear.
func BuildItem(raw domain.RawIdentifier, desc *domain.Descriptor, gateway string) *domain.Item {
	item := &domain.Item{
		ID:       raw.TokenID,
		Name:     desc.Name,
		Rarity:   int(raw.Rarity) + 1,
		ImageURL: GatewayURL(desc.Image, gateway),
	}
	if item.Name == "" {
		item.Name = fmt.Sprintf("Item #%d", raw.TokenID)
	}

	if element := desc.Trait(domain.TraitElement); element != domain.UnknownTrait {
		item.Payload = domain.CharacterTraits{
			Element: element,
			Weapon:  desc.Trait(domain.TraitWeapon),
			Faction: desc.Trait(domain.TraitFaction),
		}
	} else {
		item.Payload = domain.GearTraits{Category: desc.Trait(domain.TraitCategory)}
	}
	return item
}
