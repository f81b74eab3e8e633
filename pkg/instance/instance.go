package instance

import "os"

// GetID returns a stable identifier for this process, used to stamp sweep
// locks and heartbeat owners. WORKER_ID wins when set; otherwise the
// hostname, which is the pod name under kubernetes.
func GetID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker-0"
}
