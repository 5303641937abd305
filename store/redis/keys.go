package redis

// Redis key naming conventions for sequent data.
// All keys are prefixed with "sequent:" to avoid collisions.

const keyPrefix = "sequent:"

// ── Event keys ──

// eventKey returns the key for an event blob: sequent:event:{id}
func eventKey(id string) string { return keyPrefix + "event:" + id }

// eventDedupeKey maps a tenant-scoped dedupe key to an event ID.
func eventDedupeKey(tenantID, dedupe string) string {
	return keyPrefix + "event_dedupe:" + tenantID + ":" + dedupe
}

// eventsByEntityKey is the ZSET of event IDs for an entity, scored by
// occurred-at.
func eventsByEntityKey(tenantID, entityID string) string {
	return keyPrefix + "events_by_entity:" + tenantID + ":" + entityID
}

// eventsUnprocessedKey is the ZSET of unprocessed event IDs, scored by
// received-at.
const eventsUnprocessedKey = keyPrefix + "events_unprocessed"

// ── Score keys ──

// scoreKey returns the key for a score blob: sequent:score:{tenant}:{entity}
func scoreKey(tenantID, entityID string) string {
	return keyPrefix + "score:" + tenantID + ":" + entityID
}

// scoreVerKey holds the CAS version counter for a score row.
func scoreVerKey(tenantID, entityID string) string {
	return keyPrefix + "score_ver:" + tenantID + ":" + entityID
}

// ── Workflow keys ──

// definitionKey returns the key for one stored definition version.
func definitionKey(tenantID, workflowID string, version int) string {
	return keyPrefix + "wf:" + tenantID + ":" + workflowID + ":" + itoa(version)
}

// definitionLatestKey holds the highest stored version number.
func definitionLatestKey(tenantID, workflowID string) string {
	return keyPrefix + "wf_latest:" + tenantID + ":" + workflowID
}

// enrollmentKey returns the key for an enrollment blob.
func enrollmentKey(id string) string { return keyPrefix + "enrollment:" + id }

// enrollmentVerKey holds the CAS version counter for an enrollment.
func enrollmentVerKey(id string) string { return keyPrefix + "enrollment_ver:" + id }

// enrollmentLiveKey maps (tenant, workflow, entity) to the live
// enrollment ID; its presence enforces single-enrollment uniqueness.
func enrollmentLiveKey(tenantID, workflowID, entityID string) string {
	return keyPrefix + "enr_live:" + tenantID + ":" + workflowID + ":" + entityID
}

// enrollmentsByEntityKey is the Set of enrollment IDs for an entity.
func enrollmentsByEntityKey(tenantID, entityID string) string {
	return keyPrefix + "enr_by_entity:" + tenantID + ":" + entityID
}

// enrollmentsDueKey is the ZSET of active enrollment IDs scored by
// next-check-at, with 0 standing in for unset.
const enrollmentsDueKey = keyPrefix + "enr_due"

// ── Nurture keys ──

// nurtureKey returns the key for a nurture blob: sequent:nurture:{id}
func nurtureKey(id string) string { return keyPrefix + "nurture:" + id }

// nurtureActiveKey maps (tenant, entity) to the active nurture ID.
func nurtureActiveKey(tenantID, entityID string) string {
	return keyPrefix + "nur_active:" + tenantID + ":" + entityID
}

// nurturesIdleKey is the ZSET of active nurture IDs scored by
// last-activity-at.
const nurturesIdleKey = keyPrefix + "nur_idle"

// ── Fault keys ──

// faultKey returns the key for a fault blob: sequent:fault:{id}
func faultKey(id string) string { return keyPrefix + "fault:" + id }

// faultsKey is the ZSET of fault IDs scored by failed-at.
const faultsKey = keyPrefix + "faults"

// ── Cluster keys ──

// workerKey returns the key for a worker blob: sequent:worker:{id}
func workerKey(id string) string { return keyPrefix + "worker:" + id }

// workerIDsKey is the Set tracking all worker IDs for enumeration.
const workerIDsKey = keyPrefix + "worker_ids"

// leaderKey stores the current leader worker ID with a TTL.
const leaderKey = keyPrefix + "leader"

// leaseKey returns the key for a held lease: sequent:lease:{key}
func leaseKey(key string) string { return keyPrefix + "lease:" + key }

// ── Suppression keys ──

// suppressionKey maps a tenant-scoped address to its suppression reason.
func suppressionKey(tenantID, address string) string {
	return keyPrefix + "suppress:" + tenantID + ":" + address
}
