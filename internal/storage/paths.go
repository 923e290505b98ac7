package storage

import (
	"fmt"
	"hash/fnv"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// PartitionStrategy selects how partition values map to a path segment.
type PartitionStrategy string

const (
	PartitionNone  PartitionStrategy = "NONE"
	PartitionDate  PartitionStrategy = "DATE_BASED"
	PartitionHash  PartitionStrategy = "HASH_BASED"
	PartitionRange PartitionStrategy = "RANGE_BASED"
)

// dateColumns are probed in order for a parseable ISO date when building a
// date-based partition path.
var dateColumns = []string{"date", "signup_date", "created_date", "order_date", "event_date"}

// StoragePath is a fully resolved location for an entity's table data.
type StoragePath struct {
	BasePath      string
	PartitionPath string
	FullPath      string
	EntityType    string
	StorageType   Type
	Protocol      string
}

// ResolverConfig carries the backend coordinates a PathResolver needs.
type ResolverConfig struct {
	StorageType     Type
	BasePath        string
	Bucket          string // S3/GCS bucket or Azure container
	AzureAccount    string
	HDFSNameNode    string
	DefaultStrategy PartitionStrategy
	// TableStrategies overrides the default strategy per entity type.
	TableStrategies map[string]PartitionStrategy
}

// PathResolver computes storage URIs for entity tables.
type PathResolver struct {
	cfg ResolverConfig
}

// NewPathResolver creates a resolver for the given backend configuration.
func NewPathResolver(cfg ResolverConfig) *PathResolver {
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = PartitionNone
	}
	return &PathResolver{cfg: cfg}
}

// ResolveBase returns the base URI for an entity's table.
func (r *PathResolver) ResolveBase(entityType string) (string, error) {
	base := r.cfg.BasePath
	switch r.cfg.StorageType {
	case TypeS3:
		if r.cfg.Bucket == "" {
			return "", ErrEmptyBucket
		}
		return fmt.Sprintf("s3a://%s%s/%s", r.cfg.Bucket, base, entityType), nil
	case TypeLocal:
		if !strings.HasPrefix(base, "/") {
			base = path.Join("/tmp", base)
		}
		return fmt.Sprintf("file://%s/%s", base, entityType), nil
	case TypeHDFS:
		return fmt.Sprintf("hdfs://%s/%s/%s", r.cfg.HDFSNameNode, strings.TrimPrefix(base, "/"), entityType), nil
	case TypeAzure:
		return fmt.Sprintf("abfss://%s@%s.dfs.core.windows.net%s/%s", r.cfg.Bucket, r.cfg.AzureAccount, base, entityType), nil
	case TypeGCS:
		if r.cfg.Bucket == "" {
			return "", ErrEmptyBucket
		}
		return fmt.Sprintf("gs://%s%s/%s", r.cfg.Bucket, base, entityType), nil
	default:
		return "", ErrUnsupported
	}
}

// Resolve returns the full storage path for an entity, including the
// partition segment derived from the given values.
func (r *PathResolver) Resolve(entityType string, partitionValues map[string]interface{}) (StoragePath, error) {
	base, err := r.ResolveBase(entityType)
	if err != nil {
		return StoragePath{}, err
	}

	strategy := r.cfg.DefaultStrategy
	if override, ok := r.cfg.TableStrategies[entityType]; ok && override != "" {
		strategy = override
	}

	partition := BuildPartitionPath(strategy, partitionValues)
	return StoragePath{
		BasePath:      base,
		PartitionPath: partition,
		FullPath:      base + partition,
		EntityType:    entityType,
		StorageType:   r.cfg.StorageType,
		Protocol:      strings.SplitN(base, ":", 2)[0],
	}, nil
}

// BuildPartitionPath maps partition values to a relative path segment for the
// given strategy. The result is deterministic for a given value set.
func BuildPartitionPath(strategy PartitionStrategy, values map[string]interface{}) string {
	switch strategy {
	case PartitionDate:
		return datePartitionPath(values)
	case PartitionHash:
		return hashPartitionPath(values)
	case PartitionRange:
		return rangePartitionPath(values)
	default:
		return ""
	}
}

func datePartitionPath(values map[string]interface{}) string {
	day := time.Now()
	for _, col := range dateColumns {
		v, ok := values[col]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if parsed, err := time.Parse("2006-01-02", s); err == nil {
			day = parsed
			break
		}
	}
	return fmt.Sprintf("/year=%04d/month=%02d/day=%02d", day.Year(), int(day.Month()), day.Day())
}

func hashPartitionPath(values map[string]interface{}) string {
	v, ok := firstValue(values)
	if !ok {
		return "/partition=00"
	}
	h := fnv.New32a()
	fmt.Fprintf(h, "%v", v)
	bucket := int(h.Sum32()) % 100
	if bucket < 0 {
		bucket = -bucket
	}
	return fmt.Sprintf("/partition=%02d", bucket)
}

func rangePartitionPath(values map[string]interface{}) string {
	n, ok := firstNumeric(values)
	if !ok {
		return "/range=0-1K"
	}
	switch {
	case n < 1000:
		return "/range=0-1K"
	case n < 10000:
		return "/range=1K-10K"
	case n < 100000:
		return "/range=10K-100K"
	default:
		return "/range=100K+"
	}
}

// firstValue returns the value of the lexicographically first key. Map order
// is not stable in Go, so "first" is pinned to key order.
func firstValue(values map[string]interface{}) (interface{}, bool) {
	if len(values) == 0 {
		return nil, false
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return values[keys[0]], true
}

func firstNumeric(values map[string]interface{}) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := values[k].(type) {
		case int:
			return float64(v), true
		case int32:
			return float64(v), true
		case int64:
			return float64(v), true
		case float32:
			return float64(v), true
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
