package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

// serviceName tags every emitted line so branch deployments shipping logs
// from several binaries stay distinguishable.
const serviceName = "sikaplan-api"

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared line logger. Request logs and audit events all
// flow through it as single-line JSON on stdout.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest emits one structured JSON line for a handled HTTP request.
func LogRequest(entry map[string]any) {
	if _, ok := entry["service"]; !ok {
		entry["service"] = serviceName
	}
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"service":"` + serviceName + `","level":"error","msg":"log entry not serializable"}`)
		return
	}
	Logger().Println(string(data))
}
