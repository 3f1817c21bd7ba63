package campaign

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// RootNamespace is the fixed namespace of top-level campaigns and of the
// shared manifest library. Derived once from the OID namespace so every
// deployment agrees on it.
var RootNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("campaignd"))

// CampaignID derives a campaign id as UUID5(parentNamespace, name).
func CampaignID(parent uuid.UUID, name string) uuid.UUID {
	return uuid.NewSHA1(parent, []byte(name))
}

// NodeID derives a node id as UUID5(namespace, "name.version").
func NodeID(namespace uuid.UUID, name string, version int) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(fmt.Sprintf("%s.%d", name, version)))
}

// EdgeID derives an edge id as UUID5(namespace, "source→target").
func EdgeID(namespace, source, target uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(source.String()+"→"+target.String()))
}

// ManifestID derives a manifest id as UUID5(namespace, "manifest:name.version").
// The salt keeps manifests from colliding with a node of the same name.
func ManifestID(namespace uuid.UUID, name string, version int) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(fmt.Sprintf("manifest:%s.%d", name, version)))
}

// GroupID derives the id of a step group from its parent step and the
// predicate the group covers: UUID5(step.id, hex(sha256(predicate))).
// Re-preparing a step with the same configuration therefore reproduces the
// same group ids, making expansion idempotent.
func GroupID(stepID uuid.UUID, predicate string) uuid.UUID {
	sum := sha256.Sum256([]byte(predicate))
	return uuid.NewSHA1(stepID, []byte(hex.EncodeToString(sum[:])))
}

// GroupName is the display name of the step group covering the i-th
// predicate of a step, e.g. "step1_group_3".
func GroupName(stepName string, index int) string {
	return fmt.Sprintf("%s_group_%d", stepName, index)
}

// CollectName is the display name of a step's collect node.
func CollectName(stepName string) string {
	return stepName + "_collect_groups"
}
