package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/asdine/storm/v3"
	"github.com/caarlos0/env/v6"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/pion/webrtc/v2"
	"go.uber.org/zap"

	"github.com/CodedInternet/gomihu/comms"
	"github.com/CodedInternet/gomihu/kit"
)

type EnvConfig struct {
	DEBUG      bool   `env:"DEBUG" envDefault:"0"`
	AUTH       bool   `env:"AUTH" envDefault:"0"` // require a token for control routes
	SRCDIR     string `env:"SRCDIR" envDefault:"."`
	HTMLDIR    string `env:"HTMLDIR" envDefault:"./frontend/dist/"`
	DB_PATH    string `env:"DB_PATH" envDefault:"./tmp/dev.db"`
	CONFIG     string `env:"CONFIG" envDefault:"kit_config.yaml"`
	LISTEN     string `env:"LISTEN" envDefault:"0.0.0.0:80"`
	JWT_ISSUER string `env:"JWT_ISSUER" envDefault:"DEV"`
	JWT_SECRET string `env:"JWT_SECRET"`

	DB         *storm.DB
	Kit        *kit.Kit
	Conductor  *comms.Conductor
	ICEServers []webrtc.ICEServer
	Logger     *zap.SugaredLogger
	Simulated  bool
}

var (
	ENV *EnvConfig
)

func init() {
	ENV = new(EnvConfig)
	if err := env.Parse(ENV); err != nil {
		panic(err)
	}

	if ENV.JWT_SECRET != "" {
		JWT_HMAC_SECRET = []byte(ENV.JWT_SECRET)
	}

	ENV.Logger = newLogger(ENV.DEBUG)
}

func newLogger(debug bool) *zap.SugaredLogger {
	var logger *zap.Logger
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger.Sugar()
}

func main() {
	simulated := flag.Bool("sim", false, "Drive a simulated kit instead of hardware")
	port := flag.String("port", ENV.LISTEN, "Specify the ip:port to listen on")
	noShell := flag.Bool("noshell", false, "Do not start the local shell")
	flag.Parse()

	logger := ENV.Logger
	defer logger.Sync()

	db, err := openDb(ENV.DB_PATH)
	if err != nil {
		logger.Fatalw("unable to open database", "path", ENV.DB_PATH, "err", err)
	}
	ENV.DB = db
	defer ENV.DB.Close() // close database when finished

	filename, err := filepath.Abs(filepath.Join(ENV.SRCDIR, ENV.CONFIG))
	if err != nil {
		logger.Fatalw("bad config path", "err", err)
	}
	config, err := kit.LoadConfig(filename)
	if err != nil {
		logger.Fatalw("unable to load kit config", "file", filename, "err", err)
	}

	ENV.Simulated = *simulated
	if ENV.Simulated {
		logger.Infow("running against a simulated kit")
		config.Link = kit.LINK_SIM
	}

	ENV.Kit, err = kit.New(config, logger.Named("kit"))
	if err != nil {
		logger.Fatalw("unable to initialize kit", "err", err)
	}
	defer ENV.Kit.Close()

	if p, err := lastPeripheral(ENV.DB); err == nil && config.BLE.Address == "" {
		logger.Infow("using remembered peripheral", "name", p.Name, "address", p.Address)
		ENV.Kit.UseAddress(p.Address)
	}

	ENV.ICEServers = iceServers(config.ICEServers, logger)
	ENV.Conductor = comms.NewConductor(ENV.Kit, logger.Named("comms"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go ENV.Conductor.UpdateClients(ctx, comms.STATE_INTERVAL)

	if ENV.Simulated {
		go func() {
			if err := ENV.Kit.Connect(ctx); err != nil {
				logger.Warnw("simulated kit did not connect", "err", err)
			}
		}()
	}

	if !*noShell {
		go newShell(ENV.Kit).Start()
	}

	server := &http.Server{Addr: *port, Handler: newRouter()}
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		server.Shutdown(shutdownCtx)
	}()

	logger.Infow("listening", "addr", *port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalw("server failed", "err", err)
	}
}

func newRouter() chi.Router {
	r := chi.NewRouter()

	// A good base middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.RedirectSlashes)
	r.Use(middleware.Recoverer) // make sure this is last

	protect := func(r chi.Router) {
		if ENV.AUTH {
			r.Use(ValidateJWT)
		}
	}

	//---
	// Build the API routes
	//---
	r.Route("/api", func(r chi.Router) {
		r.Post("/login", Login)

		r.Group(func(r chi.Router) {
			r.Use(ValidateJWT)
			r.Get("/refresh_token", JWTRefresh)
		})

		r.Group(func(r chi.Router) {
			protect(r)

			r.Get("/state", GetState)
			r.Get("/terminal", GetTerminal)
			r.Post("/motor", PostMotor)
			r.Post("/group", PostGroup)
			r.Post("/dpad", PostDPad)
			r.Post("/stop", PostStop)
			r.Post("/visibility", PostVisibility)
			r.Post("/send", PostSend)

			r.Group(func(r chi.Router) {
				if ENV.AUTH {
					r.Use(RequireAdmin)
				}
				r.Post("/connect", PostConnect)
				r.Post("/disconnect", PostDisconnect)
			})
		})
	})

	// Add websocket routes
	r.Route("/ws", func(r chi.Router) {
		if ENV.AUTH {
			r.Use(ValidateJWT)
		} else {
			ENV.Logger.Warnw("authentication disabled for websockets")
		}

		r.Get("/control", ControlHandler)
		r.Get("/terminal", TerminalHandler)
		r.Get("/signal", WebRTCSignalHandler)
	})

	// add static base routes
	FileServer(r, "/", http.Dir(ENV.HTMLDIR))

	return r
}

func iceServers(urls []string, logger *zap.SugaredLogger) []webrtc.ICEServer {
	servers := comms.StaticICEServers(urls)

	tc, err := comms.NewTwilioClient()
	if err != nil {
		logger.Debugw("twilio ice servers unavailable", "err", err)
		return servers
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	turn, err := tc.ICEServers(ctx)
	if err != nil {
		logger.Warnw("unable to fetch twilio ice servers", "err", err)
		return servers
	}
	return append(servers, turn...)
}

func openDb(dbFile string) (db *storm.DB, err error) {
	dir := filepath.Dir(dbFile)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		os.MkdirAll(dir, 0755)
	}

	db, err = storm.Open(dbFile)
	if err != nil {
		return
	}

	// call inits for each type
	if err := db.Init(&Operator{}); err != nil {
		return nil, err
	}
	if err := db.Init(&Peripheral{}); err != nil {
		return nil, err
	}

	return
}

// FileServer conveniently sets up a http.FileServer handler to serve
// static files from a http.FileSystem.
func FileServer(r chi.Router, path string, root http.FileSystem) {
	if strings.ContainsAny(path, "{}*") {
		panic("FileServer does not permit URL parameters.")
	}

	fs := http.StripPrefix(path, http.FileServer(root))

	if path != "/" && path[len(path)-1] != '/' {
		r.Get(path, http.RedirectHandler(path+"/", 301).ServeHTTP)
		path += "/"
	}
	path += "*"

	r.Get(path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.ServeHTTP(w, r)
	}))
}
