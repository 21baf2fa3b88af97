package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 100000
)

// Pagination holds limit and offset from the query string.
type Pagination struct {
	Limit  int
	Offset int
}

// Sorting holds the requested sort field and direction.
type Sorting struct {
	SortBy string
	Desc   bool
}

type requestBodyTooLargeError struct {
	Limit int64
}

func (e *requestBodyTooLargeError) Error() string {
	return fmt.Sprintf("request body exceeds %d bytes", e.Limit)
}

// asBodyError converts a MaxBytesReader failure into requestBodyTooLargeError.
func asBodyError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return &requestBodyTooLargeError{Limit: maxErr.Limit}
	}
	return err
}

func queryInt(r *http.Request, key string, def, min int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min {
		return 0, fmt.Errorf("%s: must be an integer >= %d", key, min)
	}
	return n, nil
}

// ParsePagination reads limit (1..100000, default 50) and offset (>= 0).
func ParsePagination(r *http.Request) (Pagination, error) {
	limit, err := queryInt(r, "limit", defaultPageLimit, 1)
	if err != nil {
		return Pagination{}, err
	}
	if limit > maxPageLimit {
		return Pagination{}, fmt.Errorf("limit: at most %d", maxPageLimit)
	}
	offset, err := queryInt(r, "offset", 0, 0)
	if err != nil {
		return Pagination{}, err
	}
	return Pagination{Limit: limit, Offset: offset}, nil
}

// ParseSorting reads sort_by and sort_order. sort_by must be one of allowed.
func ParseSorting(r *http.Request, allowed []string, defaultField string) (Sorting, error) {
	q := r.URL.Query()
	s := Sorting{SortBy: defaultField}
	if by := q.Get("sort_by"); by != "" {
		if !slices.Contains(allowed, by) {
			return Sorting{}, fmt.Errorf("sort_by: must be one of %s", strings.Join(allowed, ", "))
		}
		s.SortBy = by
	}
	switch q.Get("sort_order") {
	case "", "asc":
	case "desc":
		s.Desc = true
	default:
		return Sorting{}, errors.New("sort_order: must be asc or desc")
	}
	return s, nil
}

// ParseBoolQuery returns nil when key is absent.
func ParseBoolQuery(r *http.Request, key string) (*bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: must be a boolean", key)
	}
	return &v, nil
}

// ParseTimeQuery accepts unix seconds or RFC3339. A missing key yields the
// zero time.
func ParseTimeQuery(r *http.Request, key string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if secs < 0 {
			return time.Time{}, fmt.Errorf("%s: must not be negative", key)
		}
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: want RFC3339 or unix seconds", key)
	}
	return t, nil
}

// DecodeBody strictly decodes a single JSON object into dst.
func DecodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		if err = asBodyError(err); errors.As(err, new(*requestBodyTooLargeError)) {
			return err
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		if err = asBodyError(err); errors.As(err, new(*requestBodyTooLargeError)) {
			return err
		}
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func readRawBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, errors.New("request body is required")
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, asBodyError(err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, errors.New("request body is required")
	}
	return body, nil
}

// PathParam returns the named path wildcard.
func PathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// PaginateSlice returns the window of items selected by p.
func PaginateSlice[T any](items []T, p Pagination) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	end := min(p.Offset+p.Limit, len(items))
	return items[p.Offset:end]
}

// SortSlice stable-sorts items with compare, reversed when s.Desc.
func SortSlice[T any](items []T, s Sorting, compare func(a, b T) int) {
	slices.SortStableFunc(items, func(a, b T) int {
		if s.Desc {
			return compare(b, a)
		}
		return compare(a, b)
	})
}

// The helpers below write a 400 and report ok=false when parsing fails.

func orInvalid[T any](w http.ResponseWriter, v T, err error) (T, bool) {
	if err != nil {
		writeInvalidArgument(w, err.Error())
		var zero T
		return zero, false
	}
	return v, true
}

func parsePaginationOrWriteInvalid(w http.ResponseWriter, r *http.Request) (Pagination, bool) {
	p, err := ParsePagination(r)
	return orInvalid(w, p, err)
}

func parseSortingOrWriteInvalid(w http.ResponseWriter, r *http.Request, allowed []string, defaultField string) (Sorting, bool) {
	s, err := ParseSorting(r, allowed, defaultField)
	return orInvalid(w, s, err)
}

func parseBoolQueryOrWriteInvalid(w http.ResponseWriter, r *http.Request, key string) (*bool, bool) {
	v, err := ParseBoolQuery(r, key)
	return orInvalid(w, v, err)
}

func parseTimeRangeOrWriteInvalid(w http.ResponseWriter, r *http.Request) (from, to time.Time, ok bool) {
	from, err := ParseTimeQuery(r, "from")
	if from, ok = orInvalid(w, from, err); !ok {
		return
	}
	to, err = ParseTimeQuery(r, "to")
	to, ok = orInvalid(w, to, err)
	return
}

func readRawBodyOrWriteInvalid(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := readRawBody(r)
	if err != nil {
		writeDecodeBodyError(w, err)
		return nil, false
	}
	return body, true
}
