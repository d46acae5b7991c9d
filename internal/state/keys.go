package state

import "strings"

// Keys builds the namespaced key layout. Every key the service touches goes
// through one of these methods so the layout is auditable in one place.
type Keys struct {
	Prefix string
}

func (k Keys) join(parts ...string) string {
	return k.Prefix + ":" + strings.Join(parts, ":")
}

// Segmentation job coordination.

func (k Keys) JobQueue() string               { return k.join("queue", "jobs") }
func (k Keys) JobData(sid string) string      { return k.join("job", sid, "data") }
func (k Keys) JobStatus(sid string) string    { return k.join("job", sid, "status") }
func (k Keys) JobProgress(sid string) string  { return k.join("job", sid, "progress") }
func (k Keys) EventBuffer(sid string) string  { return k.join("sse", sid) }
func (k Keys) GPULocks() string               { return k.join("gpu_locks") }

// ROAST simulation coordination.

func (k Keys) RoastQueue() string              { return k.join("queue", "roast") }
func (k Keys) RoastData(sid string) string     { return k.join("roast", sid, "data") }
func (k Keys) RoastStatus(sid string) string   { return k.join("roast", sid, "status") }
func (k Keys) RoastProgress(sid string) string { return k.join("roast", sid, "progress") }

// SimNIBS simulation coordination.

func (k Keys) SimnibsQueue() string              { return k.join("queue", "simnibs") }
func (k Keys) SimnibsData(sid string) string     { return k.join("simnibs", sid, "data") }
func (k Keys) SimnibsStatus(sid string) string   { return k.join("simnibs", sid, "status") }
func (k Keys) SimnibsProgress(sid string) string { return k.join("simnibs", sid, "progress") }

// Sessions returns the set of live session ids.
func (k Keys) Sessions() string { return k.join("sessions") }

// SessionKeys lists every per-session key, for cleanup when a session is
// reaped. The queue and lock keys are shared and excluded.
func (k Keys) SessionKeys(sid string) []string {
	return []string{
		k.JobData(sid),
		k.JobStatus(sid),
		k.JobProgress(sid),
		k.EventBuffer(sid),
		k.RoastData(sid),
		k.RoastStatus(sid),
		k.RoastProgress(sid),
		k.SimnibsData(sid),
		k.SimnibsStatus(sid),
		k.SimnibsProgress(sid),
	}
}
