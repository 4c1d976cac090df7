// Package monitoring serves the state of a set of shadow domains over HTTP
// and lets an operator act on them.
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sarchlab/vmshadow/mem/vm/shadow"
	"github.com/sirupsen/logrus"
)

// Monitor turns a set of shadow domains into a server that can be inspected
// and controlled from outside.
type Monitor struct {
	domains    *shadow.Registry
	portNumber int
	server     *http.Server
	profileFor time.Duration
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{
		domains:    shadow.NewRegistry(),
		profileFor: time.Second,
	}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithProfileDuration sets how long /api/profile samples the CPU.
func (m *Monitor) WithProfileDuration(d time.Duration) *Monitor {
	m.profileFor = d
	return m
}

// RegisterDomain adds a domain to be monitored.
func (m *Monitor) RegisterDomain(d *shadow.Domain) error {
	return m.domains.Add(d)
}

// Domains returns the registry of the monitored domains.
func (m *Monitor) Domains() *shadow.Registry {
	return m.domains
}

// Router builds the routes of the monitor.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/domains", m.listDomains).Methods(http.MethodGet)
	r.HandleFunc("/api/domain/{id}", m.domainDetails).Methods(http.MethodGet)
	r.HandleFunc("/api/domain/{id}/oos", m.listOOS).Methods(http.MethodGet)
	r.HandleFunc("/api/domain/{id}/blow_tables", m.blowDomainTables).
		Methods(http.MethodPost)
	r.HandleFunc("/api/blow_tables", m.blowAllTables).Methods(http.MethodPost)
	r.HandleFunc("/api/domain/{id}/allocation", m.getAllocation).
		Methods(http.MethodGet)
	r.HandleFunc("/api/domain/{id}/allocation/{mb}", m.setAllocation).
		Methods(http.MethodPut)
	r.HandleFunc("/api/resource", m.listResources).Methods(http.MethodGet)
	r.HandleFunc("/api/profile", m.collectProfile).Methods(http.MethodGet)

	return r
}

// StartServer starts the monitor as a web server in the background and
// returns the URL it listens on.
func (m *Monitor) StartServer() string {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	if err != nil {
		logrus.WithError(err).WithField("addr", actualPort).
			Panic("monitor cannot listen")
	}

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)

	fmt.Fprintf(os.Stderr, "Monitoring shadow domains with %s\n", url)

	m.server = &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		err := m.server.Serve(listener)
		if err != http.ErrServerClosed {
			logrus.WithError(err).Panic("monitor stopped serving")
		}
	}()

	return url
}

// Shutdown stops a started server.
func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}

	return m.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeServerError(w, "encoding the response", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if _, err := w.Write(body); err != nil {
		logrus.WithError(err).Warn("monitor: writing a response")
	}
}

// writeServerError reports a failure of the monitor itself, as opposed to a
// refused request.
func writeServerError(w http.ResponseWriter, what string, err error) {
	logrus.WithError(err).Errorf("monitor: %s", what)

	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, "Error: %s: %s", what, err)
}
