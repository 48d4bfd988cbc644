package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"

	"github.com/speters/ewgw/internal/config"
	"github.com/speters/ewgw/rx22"
)

var configFile = flag.String("c", "", "path to gateway.toml config `file`")
var port = flag.String("p", "/dev/ttyUSB0", "serial `device` the module is attached to, used if absent from the config file")
var verbose = flag.Bool("v", false, "verbose logging")

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

// To be set via go build -ldflags "-X main.buildVersion=... -X main.buildDate=..."
var buildVersion = "unspecified"
var buildDate = "unknown"

var transport *rx22.Transport
var engine *rx22.Engine
var commands *rx22.Commands
var dispatcher *rx22.Dispatcher
var gpio rx22.GPIO

func setupLogging() {
	out := colorable.NewColorableStdout()
	log.SetOutput(out)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
		ForceColors:   isatty.IsTerminal(os.Stdout.Fd()),
	})
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
}

func versionInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	writeJSON(w, http.StatusOK, struct {
		Version   string `json:"version"`
		BuildDate string `json:"build_date"`
	}{buildVersion, buildDate})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	e := json.NewEncoder(w)
	e.SetIndent("", "    ")
	e.Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case err == rx22.ErrTransportClosed:
		status = http.StatusServiceUnavailable
	case err == rx22.ErrMalformedResponse:
		status = http.StatusBadGateway
	default:
		switch err.(type) {
		case *rx22.InvalidArgumentError, *rx22.InvalidEscapeError:
			status = http.StatusBadRequest
		case *rx22.ProtocolStatusError:
			status = http.StatusUnprocessableEntity
		case *rx22.CanceledError:
			status = http.StatusRequestTimeout
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(status)
	w.Write([]byte(err.Error()))
}

func parseSerial(s string) (rx22.Serial, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return rx22.Serial{}, &rx22.InvalidArgumentError{Field: "serial", Reason: err.Error()}
	}
	return rx22.NewSerial(b)
}

func getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Up bool `json:"up"`
	}{Up: !transport.Closed()})
}

func getDevices(w http.ResponseWriter, r *http.Request) {
	maxIndex := 256
	if q := r.URL.Query().Get("maxIndex"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			maxIndex = n
		}
	}
	serials, err := commands.ListKnownFarDevices(r.Context(), uint16(maxIndex))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]string, len(serials))
	for i, s := range serials {
		out[i] = s.String()
	}
	writeJSON(w, http.StatusOK, out)
}

type joinRequest struct {
	GatewaySerial string `json:"gateway_serial"`
}

func postJoinDevice(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &rx22.InvalidArgumentError{Field: "body", Reason: err.Error()})
		return
	}
	serial, err := parseSerial(req.GatewaySerial)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := commands.JoinDevice(r.Context(), serial)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Serial string `json:"serial"`
		Type   string `json:"type"`
	}{result.Serial.String(), result.Type.String()})
}

type removeRequest struct {
	Initial string `json:"initial"`
	Joined  string `json:"joined"`
}

func postRemoveDevice(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &rx22.InvalidArgumentError{Field: "body", Reason: err.Error()})
		return
	}
	initial, err := parseSerial(req.Initial)
	if err != nil {
		writeError(w, err)
		return
	}
	joined, err := parseSerial(req.Joined)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := commands.RemoveDevice(r.Context(), initial, joined); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "OK")
}

type filterRequest struct {
	Serial string `json:"serial"`
}

func postAddFilter(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &rx22.InvalidArgumentError{Field: "body", Reason: err.Error()})
		return
	}
	serial, err := parseSerial(req.Serial)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := commands.AddFilter(r.Context(), serial); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "OK")
}

func deleteFilter(w http.ResponseWriter, r *http.Request) {
	if err := commands.ClearFilter(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "OK")
}

type stateRequest struct {
	Initial string `json:"initial"`
	Joined  string `json:"joined"`
	Mode    string `json:"mode"`
	State   string `json:"state"`
}

func postChangeState(w http.ResponseWriter, r *http.Request) {
	var req stateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &rx22.InvalidArgumentError{Field: "body", Reason: err.Error()})
		return
	}
	initial, err := parseSerial(req.Initial)
	if err != nil {
		writeError(w, err)
		return
	}
	joined, err := parseSerial(req.Joined)
	if err != nil {
		writeError(w, err)
		return
	}
	mode, err := hex.DecodeString(req.Mode)
	if err != nil || len(mode) != 1 {
		writeError(w, &rx22.InvalidArgumentError{Field: "mode", Reason: "must be a single hex-encoded byte"})
		return
	}
	stateBytes, err := hex.DecodeString(req.State)
	if err != nil {
		writeError(w, &rx22.InvalidArgumentError{Field: "state", Reason: err.Error()})
		return
	}
	state, err := rx22.NewState(stateBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := commands.ChangeState(r.Context(), initial, joined, mode[0], state); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "OK")
}

func getQueryState(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	initial, err := parseSerial(q.Get("initial"))
	if err != nil {
		writeError(w, err)
		return
	}
	joined, err := parseSerial(q.Get("joined"))
	if err != nil {
		writeError(w, err)
		return
	}
	mode, err := hex.DecodeString(q.Get("mode"))
	if err != nil || len(mode) != 1 {
		writeError(w, &rx22.InvalidArgumentError{Field: "mode", Reason: "must be a single hex-encoded byte"})
		return
	}
	result, err := commands.QueryState(r.Context(), initial, joined, mode[0])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Mode  string `json:"mode"`
		State string `json:"state"`
	}{hex.EncodeToString([]byte{result.Mode}), hex.EncodeToString(result.State[:])})
}

type learnRequest struct {
	Initial  string `json:"initial"`
	Joined   string `json:"joined"`
	Function string `json:"function"`
	Mode     string `json:"mode"`
	State    string `json:"state"`
}

func postLearnControl(w http.ResponseWriter, r *http.Request) {
	var req learnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &rx22.InvalidArgumentError{Field: "body", Reason: err.Error()})
		return
	}
	initial, err := parseSerial(req.Initial)
	if err != nil {
		writeError(w, err)
		return
	}
	joined, err := parseSerial(req.Joined)
	if err != nil {
		writeError(w, err)
		return
	}
	function, err := hex.DecodeString(req.Function)
	if err != nil || len(function) != 1 {
		writeError(w, &rx22.InvalidArgumentError{Field: "function", Reason: "must be a single hex-encoded byte"})
		return
	}
	mode, err := hex.DecodeString(req.Mode)
	if err != nil || len(mode) != 1 {
		writeError(w, &rx22.InvalidArgumentError{Field: "mode", Reason: "must be a single hex-encoded byte"})
		return
	}
	stateBytes, err := hex.DecodeString(req.State)
	if err != nil {
		writeError(w, &rx22.InvalidArgumentError{Field: "state", Reason: err.Error()})
		return
	}
	state, err := rx22.NewState(stateBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := commands.LearnControl(r.Context(), initial, joined, function[0], mode[0], state); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "OK")
}

type txCommandRequest struct {
	Serial       string `json:"serial"`
	FunctionByte string `json:"function_byte"`
	Count        int    `json:"count,omitempty"`
	DelayMillis  int    `json:"delay_ms,omitempty"`
}

// postSendCommand sends a single SendCommand frame, or a SendBurst of Count
// frames spaced DelayMillis apart when Count > 1.
func postSendCommand(w http.ResponseWriter, r *http.Request) {
	var req txCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &rx22.InvalidArgumentError{Field: "body", Reason: err.Error()})
		return
	}
	serial, err := parseSerial(req.Serial)
	if err != nil {
		writeError(w, err)
		return
	}
	fb, err := hex.DecodeString(req.FunctionByte)
	if err != nil || len(fb) != 1 {
		writeError(w, &rx22.InvalidArgumentError{Field: "function_byte", Reason: "must be a single hex-encoded byte"})
		return
	}

	if req.Count > 1 {
		delay := time.Duration(req.DelayMillis) * time.Millisecond
		if err := commands.SendBurst(r.Context(), serial, fb[0], req.Count, delay); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, "OK")
		return
	}

	if err := commands.SendCommand(r.Context(), serial, fb[0]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "OK")
}

// getNotifications streams one JSON object per line for every dispatched
// Event, for as long as the client keeps the connection open.
func getNotifications(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)

	for {
		select {
		case ev, open := <-dispatcher.Events():
			if !open {
				return
			}
			enc.Encode(ev)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func postReset(w http.ResponseWriter, r *http.Request) {
	if gpio == nil {
		writeError(w, fmt.Errorf("no GPIO reset line configured"))
		return
	}
	if err := rx22.PulseReset(r.Context(), gpio, 200*time.Millisecond); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "OK")
}

// runReconnectLoop watches the transport for a failed stream and reopens it
// with backoff, so a USB replug or a module power-cycle doesn't require
// restarting the daemon.
func runReconnectLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !transport.Closed() {
				continue
			}
			log.Warn("transport closed, reconnecting")
			if err := transport.Reconnect(ctx); err != nil {
				log.Errorf("reconnect: %v", err)
			}
		}
	}
}

func main() {
	flag.Parse()
	setupLogging()

	cfg, err := config.Load(*configFile, *port)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatalf("could not create CPU profile: %v", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatalf("could not start CPU profile: %v", err)
		}
		defer pprof.StopCPUProfile()
	}

	tcfg := rx22.TransportConfig{
		Port:                  cfg.Serial.Port,
		Baud:                  cfg.Serial.Baud,
		ReadTimeout:           cfg.Serial.ReadTimeout,
		ReconnectInitialDelay: cfg.Reconnect.InitialDelay,
		ReconnectMultiplier:   cfg.Reconnect.Multiplier,
		ReconnectMaxDelay:     cfg.Reconnect.MaxDelay,
	}
	transport = rx22.NewTransport(tcfg)
	if err := transport.Open(); err != nil {
		log.Fatalf("opening serial port %s: %v", cfg.Serial.Port, err)
	}

	engine = rx22.NewEngine(transport)
	engine.DefaultTimeout = cfg.Commands.DefaultTimeout
	commands = rx22.NewCommands(engine)
	dispatcher = rx22.NewDispatcher(commands)

	ctx, cancel := context.WithCancel(context.Background())
	go dispatcher.Run(ctx)
	go runReconnectLoop(ctx)
	go func() {
		for err := range dispatcher.Errors() {
			log.Warnf("notification decode error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for s := range sig {
			if s == syscall.SIGHUP {
				if gpio != nil {
					if err := rx22.PulseReset(ctx, gpio, 200*time.Millisecond); err != nil {
						log.Errorf("reset pulse failed: %v", err)
					}
				}
				continue
			}

			if *memprofile != "" {
				f, err := os.Create(*memprofile)
				if err != nil {
					log.Errorf("could not create memory profile: %v", err)
				} else {
					runtime.GC()
					pprof.WriteHeapProfile(f)
					f.Close()
				}
			}
			if *cpuprofile != "" {
				pprof.StopCPUProfile()
			}
			cancel()
			transport.Close()
			os.Exit(0)
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/status", getStatus).Methods("GET")
	router.HandleFunc("/version", versionInfo).Methods("GET")
	router.HandleFunc("/devices", getDevices).Methods("GET")
	router.HandleFunc("/devices/join", postJoinDevice).Methods("POST")
	router.HandleFunc("/devices/remove", postRemoveDevice).Methods("POST")
	router.HandleFunc("/devices/filter", postAddFilter).Methods("POST")
	router.HandleFunc("/devices/filter", deleteFilter).Methods("DELETE")
	router.HandleFunc("/devices/state", postChangeState).Methods("POST")
	router.HandleFunc("/devices/state", getQueryState).Methods("GET")
	router.HandleFunc("/devices/learn", postLearnControl).Methods("POST")
	router.HandleFunc("/tx/command", postSendCommand).Methods("POST")
	router.HandleFunc("/notifications", getNotifications).Methods("GET")
	router.HandleFunc("/reset", postReset).Methods("POST")

	srv := &http.Server{Addr: cfg.HTTP.Listen, Handler: router}
	log.Infof("listening on %s, serial port %s", cfg.HTTP.Listen, cfg.Serial.Port)
	log.Fatal(srv.ListenAndServe())
}
