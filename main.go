package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/treemana/godut/dispatch"
	"github.com/treemana/godut/log"
	"github.com/treemana/godut/table"
	"github.com/treemana/godut/tcp"
	"github.com/treemana/godut/udp"
)

// Option represents the config file content.  For further additions, please
// do not use the default option since it will cause some problems when
// config files are used.
type Option struct {
	Log struct {
		File    string `json:"file"`
		STDOUT  bool   `json:"stdout"`
		Verbose bool   `json:"verbose"`
	} `json:"log"`

	Server udp.Configure `json:"server"`

	// Resolver the IPv4 address of the recursive name server every query
	// is relayed to, one fresh TCP connection per query, port 53
	Resolver string `json:"resolver"`

	// DisableTCP turns the companion TCP listener off; by default the
	// service port also accepts TCP sessions just to close them
	DisableTCP bool `json:"disable_tcp"`

	Table struct {
		// Capacity concurrent transactions, queries above it are shed
		Capacity int `json:"capacity"`
		// Timeout seconds before an unanswered transaction is reclaimed
		Timeout int `json:"timeout_seconds"`
	} `json:"table"`

	// ConnectQPS upstream connect pacing, zero means unlimited
	ConnectQPS int `json:"connect_qps"`
}

var (
	option Option

	configPath = flag.String("c", "godut.json", "configuration file path")
	port       = flag.Int("p", 0, "listen port, overrides the configuration file")
	verbose    = flag.Bool("d", false, "debug logging")
	ipv4Only   = flag.Bool("4", false, "IPv4 listeners only")
)

func main() {
	flag.Parse()

	if run(flag.Arg(0)) != nil {
		os.Exit(1)
	}
}

// run carries the daemon from option loading to the signal driven stop. A
// non-nil return means startup failed and the process must exit nonzero.
func run(arg string) error {

	if err := loadOption(); err != nil {
		fmt.Println("configuration error", err)
		return err
	}

	// init log
	if err := initLog(); err != nil {
		return err
	}
	defer func() {
		_ = log.Logger.Sync()
		time.Sleep(time.Second)
	}()

	resolver := option.Resolver
	if len(arg) > 0 {
		resolver = arg
	}
	if len(resolver) == 0 {
		fmt.Fprintf(os.Stderr, "usage: %s [-c file] [-p port] [-4] [-d] resolver-ipv4\n", os.Args[0])
		return errors.New("resolver address required")
	}
	if ip := net.ParseIP(resolver); ip == nil || ip.To4() == nil {
		err := fmt.Errorf("could not use %q as an IPv4 resolver address", resolver)
		log.Sugar.Error(err)
		return err
	}

	server, err := udp.New(net.ParseIP(option.Server.Address), option.Server.Port, option.Server.IPV4Only)
	if err != nil {
		log.Sugar.Error(err)
		return err
	}

	var stub *tcp.Listener
	if !option.DisableTCP {
		if stub, err = tcp.New(net.ParseIP(option.Server.Address), option.Server.Port, option.Server.IPV4Only); err != nil {
			log.Sugar.Error(err)
			return err
		}
	}

	tbl := table.New(option.Table.Capacity, time.Duration(option.Table.Timeout)*time.Second)

	var d *dispatch.Dispatcher
	queries, replies := server.Pipeline()
	if d, err = dispatch.New(resolver, tbl, queries, replies, option.ConnectQPS); err != nil {
		log.Sugar.Error(err)
		return err
	}

	d.Start()      // start the dispatcher
	server.Start() // start the server
	if stub != nil {
		stub.Start()
	}

	// godut is running until os exit
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	s := <-sc
	log.Sugar.Infof("signal %d %s", s, s)

	if stub != nil {
		stub.Stop()
	}
	server.StopRead()
	d.Stop()
	server.StopWrite()

	return nil
}

// loadOption reads the config file and folds the console flags in on top.
// A missing file is fine unless -c named it explicitly, flags and defaults
// carry a full configuration on their own.
func loadOption() error {

	var explicit bool
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "c" {
			explicit = true
		}
	})

	raw, err := os.ReadFile(*configPath)
	switch {
	case err == nil:
		if err = json.Unmarshal(raw, &option); err != nil {
			return err
		}
		fmt.Println(string(raw))
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return err
	}

	if *port > 0 {
		option.Server.Port = *port
	}
	if option.Server.Port == 0 {
		option.Server.Port = 53
	}
	if *ipv4Only {
		option.Server.IPV4Only = true
	}
	if *verbose {
		option.Log.Verbose = true
	}
	if len(option.Log.File) == 0 {
		option.Log.STDOUT = true
	}

	return nil
}

func initLog() error {
	lc := log.Config{
		File:       option.Log.File,
		STDOUT:     option.Log.STDOUT,
		MaxAge:     2,
		MaxSize:    10,
		MaxBackups: 100,
	}

	if option.Log.Verbose {
		lc.Level = -1
	}

	if err := log.Init(lc); err != nil {
		fmt.Println("log init error", err)
		return err
	}

	return nil
}
