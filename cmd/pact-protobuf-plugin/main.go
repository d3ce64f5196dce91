// pact-protobuf-plugin is a Pact plugin executable: spawned by the host
// (pact-go, pact-jvm, ...) over stdin/stdout, it binds an OS-assigned TCP
// port, prints a single JSON startup line naming that port and an
// authorization key, then serves the control-plane gRPC service until the
// host disconnects or sends a termination signal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"

	"github.com/pactflow/pact-protobuf-plugin/pkg/control"
	"github.com/pactflow/pact-protobuf-plugin/pkg/descriptor"
	"github.com/pactflow/pact-protobuf-plugin/pkg/logging"
	"github.com/pactflow/pact-protobuf-plugin/pkg/metrics"
	"github.com/pactflow/pact-protobuf-plugin/pkg/pluginconfig"
	"github.com/pactflow/pact-protobuf-plugin/pkg/protocsrc"
	"github.com/pactflow/pact-protobuf-plugin/pkg/taskpool"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var (
	manifestPath string
	logLevel     string
	logFormat    string
	bindAddr     string
	poolLimit    int
	sourceCache  int
)

// rootCmd both is the command the host actually spawns (no subcommand,
// just flags) and the parent for "version": a human checking the binary
// runs "pact-protobuf-plugin version", the host runs the bare binary.
var rootCmd = &cobra.Command{
	Use:           "pact-protobuf-plugin",
	Short:         "Pact plugin for Protobuf and gRPC contract testing",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show plugin version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		version := Version
		commit := Commit
		date := BuildDate
		if info, ok := debug.ReadBuildInfo(); ok {
			if version == "dev" {
				version = info.Main.Version
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					if commit == "none" {
						commit = setting.Value
					}
				case "vcs.time":
					if date == "unknown" {
						date = setting.Value
					}
				}
			}
		}
		fmt.Printf("pact-protobuf-plugin %s (%s, %s)\n", version, commit, date)
		return nil
	},
}

var inspectImportDirs []string

var inspectCmd = &cobra.Command{
	Use:   "inspect <proto-file>",
	Short: "Compile a .proto file and dump its messages as YAML, for local debugging",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(cmd.Context(), args[0], inspectImportDirs)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&manifestPath, "manifest", "pact-plugin.json", "path to the plugin manifest")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log output format (text, json)")
	rootCmd.PersistentFlags().StringVar(&bindAddr, "bind", "127.0.0.1:0", "address to bind the control-plane listener to")
	rootCmd.PersistentFlags().IntVar(&poolLimit, "max-concurrency", 0, "maximum number of concurrent control-plane tasks (0 = unbounded)")
	rootCmd.PersistentFlags().IntVar(&sourceCache, "proto-cache-size", 32, "number of compiled .proto sources to keep in the in-memory cache")
	rootCmd.AddCommand(versionCmd)

	inspectCmd.Flags().StringSliceVar(&inspectImportDirs, "import-dir", nil, "additional .proto import search directory (repeatable)")
	rootCmd.AddCommand(inspectCmd)
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// startupMessage is the single JSON line printed to stdout once the
// control-plane listener is bound: the host reads it to learn which port
// to dial and which key to present as the "authorization" metadata value
// on every call.
type startupMessage struct {
	Port      int    `json:"port"`
	ServerKey string `json:"serverKey"`
}

func runServe(ctx context.Context) error {
	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(logLevel),
		Format: logging.ParseFormat(logFormat),
	})

	metrics.Init()

	manifest, err := pluginconfig.Load(manifestPath)
	if err != nil {
		return fmt.Errorf("pact-protobuf-plugin: failed to load manifest: %w", err)
	}
	if manifest.HostToBindTo != "" {
		bindAddr = net.JoinHostPort(manifest.HostToBindTo, "0")
	}

	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("pact-protobuf-plugin: failed to bind listener: %w", err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	serverKey := uuid.NewString()

	compiler := protocsrc.New(sourceCache)
	pool := taskpool.New(poolLimit)
	ctrl := control.NewServer(*manifest, compiler, pool, log)

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(authInterceptor(serverKey)))
	ctrl.Register(grpcServer)

	msg, err := json.Marshal(startupMessage{Port: port, ServerKey: serverKey})
	if err != nil {
		return fmt.Errorf("pact-protobuf-plugin: failed to marshal startup message: %w", err)
	}
	fmt.Println(string(msg))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		log.Info("shutting down", "reason", "signal received")
		grpcServer.GracefulStop()
		return nil
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("pact-protobuf-plugin: gRPC server stopped: %w", err)
		}
		return nil
	}
}

// authInterceptor rejects every call that does not present the exact
// server key this process generated at startup as its "authorization"
// metadata value, mirroring the host-plugin handshake's expectation that
// only the process that read the startup line can drive the plugin.
func authInterceptor(serverKey string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "no credentials supplied")
		}
		values := md.Get("authorization")
		if len(values) == 0 {
			return nil, status.Error(codes.Unauthenticated, "no credentials supplied")
		}
		if values[0] != serverKey {
			return nil, status.Error(codes.Unauthenticated, "invalid credentials supplied")
		}
		return handler(ctx, req)
	}
}

// inspectDump is the YAML shape runInspect prints: just enough of a
// compiled descriptor.Set's messages and services to eyeball field
// numbers, kinds, and method wiring without a real .proto-aware viewer.
type inspectDump struct {
	Fingerprint string            `yaml:"fingerprint"`
	Messages    []inspectMessage  `yaml:"messages"`
	Services    []inspectService `yaml:"services,omitempty"`
}

type inspectMessage struct {
	Name       string         `yaml:"name"`
	IsMapEntry bool           `yaml:"isMapEntry,omitempty"`
	Fields     []inspectField `yaml:"fields"`
}

type inspectField struct {
	Number   int32  `yaml:"number"`
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Repeated bool   `yaml:"repeated,omitempty"`
	TypeName string `yaml:"typeName,omitempty"`
}

type inspectService struct {
	Name    string          `yaml:"name"`
	Methods []inspectMethod `yaml:"methods"`
}

type inspectMethod struct {
	Name       string `yaml:"name"`
	InputType  string `yaml:"inputType"`
	OutputType string `yaml:"outputType"`
}

// runInspect compiles a .proto file via protocsrc (no protoc binary
// involved) and prints its messages and services as YAML, for checking
// how a .proto source resolved without spinning up the whole plugin.
func runInspect(ctx context.Context, protoFile string, importDirs []string) error {
	compiler := protocsrc.New(0)
	set, err := compiler.Compile(ctx, []string{protoFile}, importDirs)
	if err != nil {
		return fmt.Errorf("pact-protobuf-plugin: failed to compile %s: %w", protoFile, err)
	}

	dump := inspectDump{Fingerprint: fmt.Sprintf("%x", set.Fingerprint())}
	for _, m := range set.Messages() {
		dump.Messages = append(dump.Messages, toInspectMessage(m))
	}
	for _, sv := range set.Services() {
		dump.Services = append(dump.Services, toInspectService(sv))
	}

	out, err := yaml.Marshal(dump)
	if err != nil {
		return fmt.Errorf("pact-protobuf-plugin: failed to marshal descriptor dump: %w", err)
	}
	fmt.Printf("# Compiled descriptor set for %s\n", protoFile)
	fmt.Print(string(out))
	return nil
}

func toInspectMessage(m *descriptor.MessageDescriptor) inspectMessage {
	out := inspectMessage{Name: m.FullName, IsMapEntry: m.IsMapEntry}
	for _, f := range m.Fields {
		out.Fields = append(out.Fields, inspectField{
			Number:   f.Number,
			Name:     f.Name,
			Kind:     f.Kind.String(),
			Repeated: f.IsRepeated(),
			TypeName: f.TypeName,
		})
	}
	return out
}

func toInspectService(sv *descriptor.ServiceDescriptor) inspectService {
	out := inspectService{Name: sv.FullName}
	for _, method := range sv.Methods {
		out.Methods = append(out.Methods, inspectMethod{
			Name:       method.Name,
			InputType:  method.InputType.FullName,
			OutputType: method.OutputType.FullName,
		})
	}
	return out
}
