// Package record implements the sync record: the unit exchanged with the record
// service, pushed over the realtime channel and stored in the local cache.
package record

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Collection names a server-side record collection.
type Collection string

const (
	CollectionPresentation Collection = "pagePresentation"
	CollectionSlide        Collection = "page"
	CollectionMedia        Collection = "media"
	CollectionRoom         Collection = "room"
	CollectionPresenter    Collection = "presenter"
	CollectionBridge       Collection = "bridge"

	// Legacy collections are still delivered by the realtime channel.
	CollectionLegacyPresentation Collection = "presentation"
	CollectionLegacySlide        Collection = "slide"
	CollectionLegacyScene        Collection = "scene"
)

func (c Collection) IsPresentation() bool {
	return c == CollectionPresentation || c == CollectionLegacyPresentation
}

func (c Collection) IsSlide() bool {
	return c == CollectionSlide || c == CollectionLegacySlide
}

// TimestampLayout is the second-resolution UTC layout used for client timestamps.
const TimestampLayout = "2006-01-02T15:04:05Z"

// FormatTimestamp renders t rounded down to the second. The zero time renders empty.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Truncate(time.Second).Format(TimestampLayout)
}

// ParseTimestamp accepts any RFC 3339 timestamp and yields the zero time otherwise.
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Property is a single versioned value inside a record.
type Property struct {
	Value             json.RawMessage `json:"value"`
	ClientUpdatedTime string          `json:"clientUpdatedTime,omitempty"`
	ServerUpdatedTime string          `json:"serverUpdatedTime,omitempty"`
}

// AssetReference points a record at a content-addressed blob.
type AssetReference struct {
	Fingerprint          string `json:"fingerprint"`
	Uploaded             bool   `json:"uploaded"`
	PresignedDownloadURL string `json:"presignedDownloadUrl,omitempty"`
	ContentType          string `json:"contentType,omitempty"`
	Size                 int64  `json:"size,omitempty"`
}

// Record is the sync record. Its JSON form is the cache serialization; use
// Wire for the form posted to the record service.
type Record struct {
	ID                string               `json:"id"`
	Collection        Collection           `json:"collection"`
	ParentID          string               `json:"parentId,omitempty"`
	DocumentID        string               `json:"documentId,omitempty"`
	PresentationID    string               `json:"presentationId,omitempty"`
	OwnerUserID       string               `json:"ownerUserId,omitempty"`
	SchemaVersion     int                  `json:"schemaVersion,omitempty"`
	CreatedAt         string               `json:"createdAt,omitempty"`
	UpdatedAt         string               `json:"updatedAt,omitempty"`
	Deleted           bool                 `json:"deleted,omitempty"`
	Version           int                  `json:"version,omitempty"`
	DeletionBucket    string               `json:"deletionBucket,omitempty"`
	CollectionSortKey string               `json:"collectionSortKey,omitempty"`
	Properties        map[string]*Property `json:"properties"`
	PropertiesString  string               `json:"propertiesString,omitempty"`
	AssetReferences   []*AssetReference    `json:"assetReferences,omitempty"`
}

// New returns an empty record in collection c.
func New(c Collection, id string) *Record {
	return &Record{
		ID:         id,
		Collection: c,
		Properties: make(map[string]*Property),
	}
}

// Unmarshal decodes a cache or wire encoded record.
func Unmarshal(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "decode record")
	}
	if err := r.Normalize(); err != nil {
		return nil, err
	}
	return &r, nil
}

// MarshalCache encodes every field, asset references included.
func (r *Record) MarshalCache() ([]byte, error) {
	return json.Marshal(r)
}

// Normalize parses PropertiesString into Properties when the realtime channel
// delivered the properties in string form.
func (r *Record) Normalize() error {
	if len(r.Properties) == 0 && r.PropertiesString != "" {
		props := make(map[string]*Property)
		if err := json.Unmarshal([]byte(r.PropertiesString), &props); err != nil {
			return errors.Wrapf(err, "decode properties of %s/%s", r.Collection, r.ID)
		}
		r.Properties = props
	}
	r.PropertiesString = ""
	if r.Properties == nil {
		r.Properties = make(map[string]*Property)
	}
	return nil
}

// Wire returns a copy suitable for posting: server-managed fields, asset
// references and server timestamps are stripped.
func (r *Record) Wire() *Record {
	out := r.Clone()
	out.AssetReferences = nil
	out.CollectionSortKey = ""
	out.DeletionBucket = ""
	out.Version = 0
	out.PropertiesString = ""
	for _, p := range out.Properties {
		p.ServerUpdatedTime = ""
	}
	return out
}

// Clone deep-copies r.
func (r *Record) Clone() *Record {
	out := *r
	out.Properties = make(map[string]*Property, len(r.Properties))
	for k, p := range r.Properties {
		if p == nil {
			continue
		}
		cp := *p
		cp.Value = append(json.RawMessage(nil), p.Value...)
		out.Properties[k] = &cp
	}
	if r.AssetReferences != nil {
		out.AssetReferences = make([]*AssetReference, 0, len(r.AssetReferences))
		for _, ref := range r.AssetReferences {
			cp := *ref
			out.AssetReferences = append(out.AssetReferences, &cp)
		}
	}
	return &out
}

// Trashed reports the soft-delete property.
func (r *Record) Trashed() bool {
	return r.DecodeBool("trashed", false)
}

// Hidden reports the hidden property.
func (r *Record) Hidden() bool {
	return r.DecodeBool("hidden", false)
}

// IsDeleted reports a hard or soft delete.
func (r *Record) IsDeleted() bool {
	return r.Deleted || r.Trashed()
}

// Type returns the record's "type" property.
func (r *Record) Type() string {
	return r.DecodeString("type", "")
}

func (r *Record) Updated() time.Time {
	return ParseTimestamp(r.UpdatedAt)
}

func (r *Record) Created() time.Time {
	return ParseTimestamp(r.CreatedAt)
}

// ContentHash hashes the record's property values and asset references,
// ignoring property timestamps.
func (r *Record) ContentHash() uint64 {
	values := make(map[string]json.RawMessage, len(r.Properties))
	for k, p := range r.Properties {
		if p != nil {
			values[k] = p.Value
		}
	}
	// Map keys are sorted by encoding/json, which keeps the hash stable.
	data, _ := json.Marshal(struct {
		Values map[string]json.RawMessage `json:"v"`
		Refs   []*AssetReference          `json:"a,omitempty"`
		Del    bool                       `json:"d"`
	}{values, r.AssetReferences, r.Deleted})
	return xxhash.Sum64(data)
}

// Encode writes value under key and reports whether the stored value changed.
// A nil value for a key the record has never held is ignored.
func (r *Record) Encode(key string, value any, at time.Time) (bool, error) {
	return r.encode(key, value, false, at)
}

// EncodeForced is Encode that also writes nil values, storing JSON null. It is
// used to clear legacy fields on the server.
func (r *Record) EncodeForced(key string, value any, at time.Time) (bool, error) {
	return r.encode(key, value, true, at)
}

func (r *Record) encode(key string, value any, force bool, at time.Time) (bool, error) {
	existing, known := r.Properties[key]
	if isNil(value) && !force && !known {
		return false, nil
	}

	raw, err := marshalValue(value)
	if err != nil {
		return false, errors.Wrapf(err, "encode property %q", key)
	}
	if known && existing != nil && equalJSON(existing.Value, raw) {
		return false, nil
	}

	if r.Properties == nil {
		r.Properties = make(map[string]*Property)
	}
	r.Properties[key] = &Property{
		Value:             raw,
		ClientUpdatedTime: FormatTimestamp(at),
	}
	return true, nil
}

// Has reports whether key is present, even if it holds null.
func (r *Record) Has(key string) bool {
	_, ok := r.Properties[key]
	return ok
}

func (r *Record) raw(key string) (json.RawMessage, bool) {
	p, ok := r.Properties[key]
	if !ok || p == nil || isJSONNull(p.Value) {
		return nil, false
	}
	return p.Value, true
}

// DecodeInto unmarshals the value under key into out. It reports false when the
// key is missing, null, or of the wrong shape.
func (r *Record) DecodeInto(key string, out any) bool {
	raw, ok := r.raw(key)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

func (r *Record) DecodeString(key, def string) string {
	var v string
	if r.DecodeInto(key, &v) {
		return v
	}
	return def
}

func (r *Record) DecodeBool(key string, def bool) bool {
	var v bool
	if r.DecodeInto(key, &v) {
		return v
	}
	return def
}

func (r *Record) DecodeFloat(key string, def float64) float64 {
	var v float64
	if r.DecodeInto(key, &v) {
		return v
	}
	return def
}

func (r *Record) DecodeInt(key string, def int) int {
	var v float64
	if r.DecodeInto(key, &v) {
		return int(v)
	}
	return def
}

// DecodeTime parses a timestamp property; missing or malformed yields zero.
func (r *Record) DecodeTime(key string) time.Time {
	return ParseTimestamp(r.DecodeString(key, ""))
}

// DecodeMap returns an object-valued property or nil.
func (r *Record) DecodeMap(key string) map[string]any {
	var v map[string]any
	if r.DecodeInto(key, &v) {
		return v
	}
	return nil
}

// DecodeSortKey accepts both the string and the legacy numeric form.
func (r *Record) DecodeSortKey(key string) SortKey {
	var k SortKey
	if r.DecodeInto(key, &k) {
		return k
	}
	return nil
}

// AssetPropertyKey is the property holding the fingerprint for an asset role.
func AssetPropertyKey(role string) string {
	return role + "AssetFingerprint"
}

// AssetReference finds an attached reference by fingerprint.
func (r *Record) AssetReference(fingerprint string) *AssetReference {
	for _, ref := range r.AssetReferences {
		if ref.Fingerprint == fingerprint {
			return ref
		}
	}
	return nil
}

// AttachAssetReference adds ref, replacing any reference with the same fingerprint.
func (r *Record) AttachAssetReference(ref *AssetReference) {
	for i, existing := range r.AssetReferences {
		if existing.Fingerprint == ref.Fingerprint {
			r.AssetReferences[i] = ref
			return
		}
	}
	r.AssetReferences = append(r.AssetReferences, ref)
}

// EncodeAssetReference stores the fingerprint for role and attaches ref.
func (r *Record) EncodeAssetReference(role string, ref *AssetReference, at time.Time) (bool, error) {
	if ref == nil {
		return r.Encode(AssetPropertyKey(role), nil, at)
	}
	changed, err := r.Encode(AssetPropertyKey(role), ref.Fingerprint, at)
	if err != nil {
		return false, err
	}
	r.AttachAssetReference(ref)
	return changed, nil
}

// DecodeAssetReference resolves role to its attached reference. When only the
// fingerprint is known a bare, not-uploaded reference is returned.
func (r *Record) DecodeAssetReference(role string) *AssetReference {
	fp := r.DecodeString(AssetPropertyKey(role), "")
	if fp == "" {
		return nil
	}
	if ref := r.AssetReference(fp); ref != nil {
		return ref
	}
	return &AssetReference{Fingerprint: fp}
}

func marshalValue(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case time.Time:
		if v.IsZero() {
			return json.RawMessage("null"), nil
		}
		return json.Marshal(FormatTimestamp(v))
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("null"), nil
		}
		return v, nil
	}
	if isNil(value) {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(value)
}

func isNil(value any) bool {
	if value == nil {
		return true
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return v.IsNil()
	}
	return false
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func equalJSON(a, b json.RawMessage) bool {
	if isJSONNull(a) || isJSONNull(b) {
		return isJSONNull(a) && isJSONNull(b)
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return string(a) == string(b)
	}
	return reflect.DeepEqual(va, vb)
}
