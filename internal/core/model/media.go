package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zeusync/decksync/internal/core/record"
)

// Kind discriminates media objects. The set is closed.
type Kind string

const (
	KindImage     Kind = "image"
	KindGIF       Kind = "gif"
	KindVideo     Kind = "video"
	KindText      Kind = "text"
	KindShape     Kind = "shape"
	KindNameBadge Kind = "namebadge"
)

// presenterType is the record "type" used for presenter media records.
const presenterType = "presenter"

func (k Kind) Valid() bool {
	switch k {
	case KindImage, KindGIF, KindVideo, KindText, KindShape, KindNameBadge:
		return true
	}
	return false
}

// AssetRoles lists the binary payloads a kind may carry.
func (k Kind) AssetRoles() []AssetRole {
	switch k {
	case KindImage:
		return []AssetRole{RoleContent, RoleThumbnail, RoleMask}
	case KindGIF, KindVideo:
		return []AssetRole{RoleContent, RoleThumbnail}
	case KindShape:
		return []AssetRole{RoleMask}
	case KindText, KindNameBadge:
		return nil
	}
	return nil
}

// AssetRole names one binary payload of a media object.
type AssetRole string

const (
	RoleContent   AssetRole = "content"
	RoleThumbnail AssetRole = "thumbnail"
	RoleMask      AssetRole = "mask"
)

// Asset is a binary payload. Data is set while the bytes are local only; Ref
// is filled once a fingerprint is known.
type Asset struct {
	Role        AssetRole
	Data        []byte
	ContentType string
	Ref         *record.AssetReference
}

// NeedsUpload reports an asset whose bytes the service has not acknowledged.
func (a *Asset) NeedsUpload() bool {
	return a != nil && (a.Ref == nil || !a.Ref.Uploaded)
}

// MediaObject is a child visual element on a slide.
type MediaObject struct {
	ID         string
	SlideID    string
	Kind       Kind
	ZIndex     int
	Properties map[string]any
	Assets     map[AssetRole]*Asset
	UpdatedAt  time.Time

	// NeedsPersistence flags local edits not yet sent.
	NeedsPersistence bool
}

func NewMediaObject(id string, kind Kind) *MediaObject {
	return &MediaObject{
		ID:         id,
		Kind:       kind,
		Properties: make(map[string]any),
		Assets:     make(map[AssetRole]*Asset),
	}
}

func (m *MediaObject) ObjectID() string { return m.ID }

// Removable is false for objects the user cannot delete from a slide.
func (m *MediaObject) Removable() bool {
	return m.Kind != KindNameBadge
}

// PendingAssets returns the assets that still need their bytes uploaded.
func (m *MediaObject) PendingAssets() []*Asset {
	var out []*Asset
	for _, role := range m.Kind.AssetRoles() {
		if a := m.Assets[role]; a.NeedsUpload() && len(a.Data) > 0 {
			out = append(out, a)
		}
	}
	return out
}

// SetAsset attaches a local payload for role.
func (m *MediaObject) SetAsset(role AssetRole, data []byte, contentType string) {
	if m.Assets == nil {
		m.Assets = make(map[AssetRole]*Asset)
	}
	m.Assets[role] = &Asset{Role: role, Data: data, ContentType: contentType}
}

// NewRecord returns the record skeleton for this object.
func (m *MediaObject) NewRecord(documentID string) *record.Record {
	r := record.New(record.CollectionMedia, m.ID)
	r.ParentID = m.SlideID
	r.DocumentID = documentID
	return r
}

func (m *MediaObject) EncodeToRecord(r *record.Record, at time.Time) error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	props := []property{
		{"type", string(m.Kind)},
		{"zIndex", m.ZIndex},
	}
	for _, key := range sortedKeys(m.Properties) {
		if reservedMediaKey(key) {
			continue
		}
		props = append(props, property{key, m.Properties[key]})
	}
	if err := encodeAll(r, props, at); err != nil {
		return err
	}
	for _, role := range m.Kind.AssetRoles() {
		asset := m.Assets[role]
		if asset == nil || asset.Ref == nil {
			continue
		}
		if _, err := r.EncodeAssetReference(string(role), asset.Ref, at); err != nil {
			return err
		}
	}
	return nil
}

// NewMediaObjectFromRecord decodes a non-presenter media record.
func NewMediaObjectFromRecord(r *record.Record) (*MediaObject, error) {
	m := &MediaObject{ID: r.ID}
	if err := m.DecodeFromRecord(r); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MediaObject) DecodeFromRecord(r *record.Record) error {
	kind := Kind(r.Type())
	if !kind.Valid() {
		return fmt.Errorf("%w: %q on record %s", ErrUnknownKind, kind, r.ID)
	}
	m.Kind = kind
	m.SlideID = r.ParentID
	m.ZIndex = r.DecodeInt("zIndex", 0)
	m.UpdatedAt = r.Updated()

	props := make(map[string]any)
	for key := range r.Properties {
		if reservedMediaKey(key) {
			continue
		}
		var v any
		if r.DecodeInto(key, &v) {
			props[key] = v
		}
	}
	m.Properties = props

	assets := make(map[AssetRole]*Asset)
	for _, role := range kind.AssetRoles() {
		ref := r.DecodeAssetReference(string(role))
		if ref == nil {
			continue
		}
		prev := m.Assets[role]
		asset := &Asset{Role: role, Ref: ref}
		if prev != nil && prev.Ref != nil && prev.Ref.Fingerprint == ref.Fingerprint {
			asset.Data = prev.Data
			asset.ContentType = prev.ContentType
		}
		assets[role] = asset
	}
	m.Assets = assets
	return nil
}

// IsPresenterRecord reports whether a media record describes a presenter.
func IsPresenterRecord(r *record.Record) bool {
	return r.Type() == presenterType
}

type property struct {
	key   string
	value any
}

func encodeAll(r *record.Record, props []property, at time.Time) error {
	for _, p := range props {
		if _, err := r.Encode(p.key, p.value, at); err != nil {
			return err
		}
	}
	return nil
}

func reservedMediaKey(key string) bool {
	switch key {
	case "type", "zIndex", "trashed", "presenterId":
		return true
	}
	return strings.HasSuffix(key, "AssetFingerprint")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
