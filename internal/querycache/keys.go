package querycache

import (
	"fmt"
	"hash/fnv"
)

// Scope kinds keys are built for.
const (
	KindShot    = "shot"
	KindProject = "project"
)

// Families cached per shot scope.
const (
	FamilyImages   = "images"
	FamilyUnified  = "unified"
	FamilyMetadata = "metadata"
	FamilyCounts   = "counts"
)

// Families cached per project scope.
const (
	FamilyShots          = "shots"
	FamilyProjectUnified = "unified"
)

// KeyBuilder produces the canonical cache keys for scope/family pairs. Epoch
// and salt prefix every key so a catalog reload (epoch bump) or a deploy-time
// salt change orphans the previous keyspace instead of serving mixed shapes.
type KeyBuilder struct {
	epoch int
	salt  string
}

// NewKeyBuilder binds the builder to the configured epoch and key salt.
func NewKeyBuilder(epoch int, salt string) KeyBuilder {
	return KeyBuilder{epoch: epoch, salt: salt}
}

// Key returns the exact cache key for one scope/family pair, e.g.
// qs:3:91b0c51e7ad43f2a:shot:9f6c.../images.
func (b KeyBuilder) Key(kind, id, family string) string {
	return fmt.Sprintf("%s%s:%s:%s", b.Root(), kind, id, family)
}

// ScopePrefix matches every family cached under one scope id.
func (b KeyBuilder) ScopePrefix(kind, id string) string {
	return fmt.Sprintf("%s%s:%s:", b.Root(), kind, id)
}

// KindPrefix matches every entry of one kind, the broad last-resort target.
func (b KeyBuilder) KindPrefix(kind string) string {
	return fmt.Sprintf("%s%s:", b.Root(), kind)
}

// Root is the epoch-scoped keyspace prefix. Dropping everything under the
// outgoing root is how a reload invalidates the previous epoch.
func (b KeyBuilder) Root() string {
	return fmt.Sprintf("qs:%d:%s:", b.epoch, b.saltHash())
}

// WithEpoch returns a builder for a different epoch, same salt.
func (b KeyBuilder) WithEpoch(epoch int) KeyBuilder {
	return KeyBuilder{epoch: epoch, salt: b.salt}
}

// Epoch reports the builder's current epoch.
func (b KeyBuilder) Epoch() int {
	return b.epoch
}

func (b KeyBuilder) saltHash() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(b.salt))
	return fmt.Sprintf("%016x", h.Sum64())
}
