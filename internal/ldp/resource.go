package ldp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Metadata is the cached HTTP metadata of a resource.
type Metadata struct {
	ETag         string
	LastModified time.Time
	ContentType  string
}

// Resource is a handle on one URI. Metadata and body are cached per handle
// until forced or until a write through this handle drops them.
type Resource struct {
	client *Client
	uri    string

	exists *bool
	meta   *Metadata
	body   []byte
}

func (r *Resource) URI() string { return r.uri }

// ETag is the most recently cached entity tag.
func (r *Resource) ETag() string {
	if r.meta == nil {
		return ""
	}
	return r.meta.ETag
}

// Exists issues a HEAD unless existence is already cached. 404 and 410 mean
// false; any other failure status is a *ClientError.
func (r *Resource) Exists(ctx context.Context) (bool, error) {
	if err := r.client.CheckSubject(r.uri); err != nil {
		return false, err
	}
	if r.exists != nil {
		return *r.exists, nil
	}
	if _, err := r.Head(ctx, true); err != nil {
		if isNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Head returns the resource metadata.
func (r *Resource) Head(ctx context.Context, force bool) (Metadata, error) {
	if err := r.client.CheckSubject(r.uri); err != nil {
		return Metadata{}, err
	}
	if !force && r.meta != nil {
		return *r.meta, nil
	}
	resp, err := r.client.do(ctx, http.MethodHead, r.uri, nil, nil)
	if err != nil {
		return Metadata{}, err
	}
	if err := r.observe(http.MethodHead, resp); err != nil {
		return Metadata{}, err
	}
	return *r.meta, nil
}

// Get returns the resource body.
func (r *Resource) Get(ctx context.Context, force bool) ([]byte, error) {
	if err := r.client.CheckSubject(r.uri); err != nil {
		return nil, err
	}
	if !force && r.body != nil {
		return r.body, nil
	}
	resp, err := r.client.do(ctx, http.MethodGet, r.uri, nil, http.Header{"Accept": {"*/*"}})
	if err != nil {
		return nil, err
	}
	if err := r.observe(http.MethodGet, resp); err != nil {
		return nil, err
	}
	r.body = resp.Body
	if r.body == nil {
		r.body = []byte{}
	}
	return r.body, nil
}

// Save writes body. Once the resource is known to exist, the write carries
// If-Match with the cached entity tag so a stale write fails with 412.
func (r *Resource) Save(ctx context.Context, body []byte, contentType string) error {
	exists, err := r.Exists(ctx)
	if err != nil {
		return err
	}
	header := http.Header{"Content-Type": {contentType}}
	if exists {
		if r.meta == nil {
			if _, err := r.Head(ctx, false); err != nil {
				return err
			}
		}
		if etag := r.ETag(); etag != "" {
			header.Set("If-Match", etag)
		}
	}
	resp, err := r.client.do(ctx, http.MethodPut, r.uri, body, header)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return resp.clientError(http.MethodPut, r.uri)
	}
	r.body = nil
	r.setExists(true)
	r.meta = nil
	if etag := resp.Header.Get("ETag"); etag != "" {
		r.meta = metadataFrom(resp.Header)
		r.meta.ContentType = contentType
	}
	return nil
}

// Delete removes an existing resource, conditional on the cached entity tag.
func (r *Resource) Delete(ctx context.Context) error {
	exists, err := r.Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("delete %s: %w", r.uri, ErrNotExist)
	}
	header := http.Header{}
	if etag := r.ETag(); etag != "" {
		header.Set("If-Match", etag)
	}
	resp, err := r.client.do(ctx, http.MethodDelete, r.uri, nil, header)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return resp.clientError(http.MethodDelete, r.uri)
	}
	r.body = nil
	r.meta = nil
	r.setExists(false)
	return nil
}

func (r *Resource) observe(method string, resp *response) error {
	switch {
	case resp.ok():
		r.meta = metadataFrom(resp.Header)
		r.setExists(true)
		return nil
	case resp.Status == http.StatusNotFound || resp.Status == http.StatusGone:
		r.meta = nil
		r.body = nil
		r.setExists(false)
		return fmt.Errorf("%s %s: %w", method, r.uri, ErrNotExist)
	default:
		return resp.clientError(method, r.uri)
	}
}

func (r *Resource) setExists(v bool) { r.exists = &v }

func metadataFrom(h http.Header) *Metadata {
	m := &Metadata{ETag: h.Get("ETag"), ContentType: h.Get("Content-Type")}
	if lm := h.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			m.LastModified = t
		}
	}
	return m
}

func isNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}
