package instance

import (
	"log"
	"os"

	"github.com/denisbrodbeck/machineid"
)

// ID returns a stable, app-scoped identifier for this host. Broker sessions
// present it so a venue can tell two running cores apart. The raw machine id
// never leaves the host; only its HMAC with app does.
func ID(app string) string {
	id, err := machineid.ProtectedID(app)
	if err == nil && id != "" {
		if len(id) > 16 {
			id = id[:16]
		}
		return id
	}
	log.Printf("⚠️ machine id unavailable (%v), using hostname", err)
	host, herr := os.Hostname()
	if herr != nil || host == "" {
		return app + "-unknown"
	}
	return app + "-" + host
}
