package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/spf13/afero"

	"pairspace.org/pairspace"
	"pairspace.org/protocol"
)

const PairspaceCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Pairspace control.

Usage:
    pairspacectl host [--config=<config>] [--listen=<addr>] [--name=<name>]
        [--root=<root>] [--advertise]
    pairspacectl join [--config=<config>] [--url=<url>] [--name=<name>]
        [--root=<root>] [--discover]
    pairspacectl discover [--timeout=<timeout>]
    pairspacectl status --url=<url>

Options:
    -h --help              Show this screen.
    --version              Show version.
    --config=<config>      Yaml config file.
    --listen=<addr>        Host listen address, falls back to the config value.
    --url=<url>            Host url, e.g. ws://192.168.1.10:8040/ws
    --name=<name>          Display name.
    --root=<root>          Workspace root directory.
    --advertise            Advertise the session on the lan.
    --discover             Browse the lan for a host instead of --url.
    --timeout=<timeout>    Discovery timeout in seconds [default: 3].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], PairspaceCtlVersion)
	if err != nil {
		panic(err)
	}

	if host_, _ := opts.Bool("host"); host_ {
		host(opts)
	} else if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	} else if discover_, _ := opts.Bool("discover"); discover_ {
		discover(opts)
	} else if status_, _ := opts.Bool("status"); status_ {
		status(opts)
	}
}

func loadConfig(opts docopt.Opts) *pairspace.Config {
	config := pairspace.DefaultConfig()
	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		loaded, loadErr := pairspace.LoadConfig(configPath)
		if loadErr != nil {
			Err.Fatalf("%s", loadErr)
		}
		config = loaded
	}
	if listenAddr, err := opts.String("--listen"); err == nil && listenAddr != "" {
		config.ListenAddr = listenAddr
	}
	if hostUrl, err := opts.String("--url"); err == nil && hostUrl != "" {
		config.HostUrl = hostUrl
	}
	if name, err := opts.String("--name"); err == nil && name != "" {
		config.Username = name
	}
	if root, err := opts.String("--root"); err == nil && root != "" {
		config.Root = root
	}
	if err := config.Validate(); err != nil {
		Err.Fatalf("%s", err)
	}
	return config
}

func host(opts docopt.Opts) {
	config := loadConfig(opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := pairspace.DefaultHostSettings()
	settings.Reconcile = config.ReconcileSettings()

	editor := pairspace.NewBufferSurface(nil)
	h := pairspace.NewHost(ctx, config.Username, config.ListenAddr, afero.NewOsFs(), config.Root, editor, settings)

	h.AddRosterCallback(func(users []protocol.UserInfo, selfId string) {
		names := []string{}
		for _, user := range users {
			names = append(names, fmt.Sprintf("%s(%s)", user.Username, user.Color))
		}
		Out.Printf("roster: %s", strings.Join(names, ", "))
	})
	h.AddUserJoinedCallback(func(user protocol.UserInfo) {
		Out.Printf("joined: %s", user.Username)
	})
	h.AddUserLeftCallback(func(userId string) {
		Out.Printf("left: %s", userId)
	})

	if err := h.Start(); err != nil {
		Err.Fatalf("%s", err)
	}
	defer h.Stop()
	Out.Printf("hosting %s at %s", config.Root, h.Addr())

	if advertise_, _ := opts.Bool("--advertise"); advertise_ {
		if _, port, splitErr := net.SplitHostPort(h.Addr()); splitErr == nil {
			portNumber, portErr := strconv.Atoi(port)
			if portErr == nil {
				server, advErr := pairspace.Advertise(config.Username, portNumber)
				if advErr != nil {
					Err.Printf("%s", advErr)
				} else {
					defer server.Shutdown()
				}
			}
		}
	}

	waitForInterrupt()
}

func join(opts docopt.Opts) {
	config := loadConfig(opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hostUrl := config.HostUrl
	if discover_, _ := opts.Bool("--discover"); discover_ || hostUrl == "" {
		hosts, err := pairspace.Discover(ctx, 3*time.Second)
		if err != nil {
			Err.Fatalf("%s", err)
		}
		if len(hosts) == 0 {
			Err.Fatalf("no hosts found on the lan")
		}
		hostUrl = hosts[0].HostUrl
		Out.Printf("discovered %s at %s", hosts[0].Instance, hostUrl)
	}

	settings := pairspace.DefaultClientSettings()
	settings.Reconcile = config.ReconcileSettings()

	editor := pairspace.NewBufferSurface(nil)
	c := pairspace.NewClient(ctx, config.Username, hostUrl, afero.NewOsFs(), config.Root, editor, settings)
	defer c.Close()

	c.AddRosterCallback(func(users []protocol.UserInfo, selfId string) {
		names := []string{}
		for _, user := range users {
			names = append(names, fmt.Sprintf("%s(%s)", user.Username, user.Color))
		}
		Out.Printf("roster: %s", strings.Join(names, ", "))
	})
	c.AddSyncCompleteCallback(func(err error) {
		if err == nil {
			Out.Printf("sync complete")
		} else {
			Out.Printf("sync failed: %s", err)
		}
	})

	terminal := make(chan struct{})
	c.AddDisconnectCallback(func(err error) {
		Err.Printf("disconnected: %s", err)
		close(terminal)
	})

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	select {
	case <-interrupt:
	case <-terminal:
		os.Exit(1)
	}
}

func discover(opts docopt.Opts) {
	timeoutSeconds := 3
	if timeoutStr, err := opts.String("--timeout"); err == nil {
		if parsed, parseErr := strconv.Atoi(timeoutStr); parseErr == nil {
			timeoutSeconds = parsed
		}
	}

	hosts, err := pairspace.Discover(context.Background(), time.Duration(timeoutSeconds)*time.Second)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, host := range hosts {
		Out.Printf("%s %s", host.Instance, host.HostUrl)
	}
}

func status(opts docopt.Opts) {
	hostUrl, err := opts.String("--url")
	if err != nil {
		Err.Fatalf("%s", err)
	}
	statusUrl, err := statusUrlFor(hostUrl)
	if err != nil {
		Err.Fatalf("%s", err)
	}

	response, err := http.Get(statusUrl)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s", strings.TrimSpace(string(body)))
}

func statusUrlFor(hostUrl string) (string, error) {
	if !strings.Contains(hostUrl, "://") {
		hostUrl = "http://" + hostUrl
	}
	u, err := url.Parse(hostUrl)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	u.Path = "/status"
	return u.String(), nil
}

func waitForInterrupt() {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
}
