// Package cli provides the raftgate subcommands: run a node, query status,
// submit commands and manage membership through any node's delivery endpoint.
package cli

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-raftgate/pkg/bootstrap"
    "github.com/amirimatin/go-raftgate/pkg/consensus"
    "github.com/amirimatin/go-raftgate/pkg/gateway"
    tlsx "github.com/amirimatin/go-raftgate/pkg/security/tlsconfig"
    "github.com/amirimatin/go-raftgate/pkg/transport"
    grpct "github.com/amirimatin/go-raftgate/pkg/transport/grpc"
    "github.com/amirimatin/go-raftgate/pkg/transport/httpjson"
)

// AddAll attaches all raftgate subcommands to root.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewSubmitCmd())
    root.AddCommand(NewMemberCmd())
}

// clientFlags are the flags shared by every remote command.
type clientFlags struct {
    addr    string
    proto   string
    timeout time.Duration

    tlsEnable     bool
    tlsSkip       bool
    tlsCA         string
    tlsCert       string
    tlsKey        string
    tlsServerName string
}

func (f *clientFlags) register(cmd *cobra.Command) {
    cmd.Flags().StringVar(&f.addr, "addr", "127.0.0.1:17946", "delivery endpoint of a node (host:port)")
    cmd.Flags().StringVar(&f.proto, "proto", "http", "wire protocol: http|grpc")
    cmd.Flags().DurationVar(&f.timeout, "timeout", 3*time.Second, "request timeout")
    cmd.Flags().BoolVar(&f.tlsEnable, "tls-enable", false, "enable TLS")
    cmd.Flags().StringVar(&f.tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(&f.tlsCert, "tls-cert", "", "path to client certificate (PEM)")
    cmd.Flags().StringVar(&f.tlsKey, "tls-key", "", "path to client private key (PEM)")
    cmd.Flags().BoolVar(&f.tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(&f.tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (f *clientFlags) client() (transport.Client, error) {
    var cliTLS *tls.Config
    if f.tlsEnable {
        topts := tlsx.Options{
            Enable:             true,
            CAFile:             f.tlsCA,
            CertFile:           f.tlsCert,
            KeyFile:            f.tlsKey,
            InsecureSkipVerify: f.tlsSkip,
            ServerName:         f.tlsServerName,
        }
        var err error
        if cliTLS, err = topts.Client(); err != nil {
            return nil, fmt.Errorf("tls client config: %w", err)
        }
    }
    switch f.proto {
    case "grpc":
        c := grpct.NewClient(f.timeout)
        if cliTLS != nil {
            c.UseTLS(cliTLS)
        }
        return c, nil
    default:
        c := httpjson.NewClient(f.timeout)
        if cliTLS != nil {
            c.UseTLS(cliTLS)
        }
        return c, nil
    }
}

func (f *clientFlags) roundtrip(msgType string, body any) ([]byte, error) {
    cli, err := f.client()
    if err != nil {
        return nil, err
    }
    env, err := transport.NewEnvelope(msgType, body)
    if err != nil {
        return nil, err
    }
    ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
    defer cancel()
    return cli.Send(ctx, f.addr, env)
}

// NewRunCmd returns the "run" command starting a node.
func NewRunCmd() *cobra.Command {
    var (
        id, rpcAddr, rpcAdv, proto, memBind, memAdv        string
        membersCSV, seedsCSV, discoveryKind                string
        filePath, fileEnv, dataDir                         string
        discRefresh, settle, register                      time.Duration
        retryMax                                           int
        retryBase, retryMaxBackoff                         time.Duration
        joinMode, traceEnable                              bool
        tlsEnable, tlsSkip                                 bool
        tlsCA, tlsCert, tlsKey, tlsServerName              string
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a raftgate node",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" {
                return fmt.Errorf("missing --id")
            }
            ctx, cancel := signalContext()
            defer cancel()

            cfg := bootstrap.Config{
                NodeID:        id,
                RPCAddr:       rpcAddr,
                RPCAdv:        rpcAdv,
                Proto:         proto,
                MemBind:       memBind,
                MemAdv:        memAdv,
                MembersCSV:    membersCSV,
                JoinMode:      joinMode,
                DiscoveryKind: discoveryKind,
                SeedsCSV:      seedsCSV,
                FilePath:      filePath,
                FileEnv:       fileEnv,
                DiscRefresh:   discRefresh,
                DataDir:       dataDir,
                Retry: gateway.RetryPolicy{
                    MaxAttempts: retryMax,
                    BaseBackoff: retryBase,
                    MaxBackoff:  retryMaxBackoff,
                },
                SettleDelay:   settle,
                RegisterDelay: register,
                TLSEnable:     tlsEnable,
                TLSCA:         tlsCA,
                TLSCert:       tlsCert,
                TLSKey:        tlsKey,
                TLSServerName: tlsServerName,
                TLSSkipVerify: tlsSkip,
                Tracing:       traceEnable,
            }
            node, err := bootstrap.Run(ctx, cfg)
            if err != nil {
                return err
            }
            defer node.Stop()

            fmt.Println("raftgate running. Press Ctrl+C to exit.")
            <-ctx.Done()
            return nil
        },
    }
    cmd.Flags().StringVar(&id, "id", "", "node id (required)")
    cmd.Flags().StringVar(&rpcAddr, "rpc-addr", ":17946", "delivery endpoint bind (host:port)")
    cmd.Flags().StringVar(&rpcAdv, "rpc-adv", "", "advertised delivery address (host:port, optional)")
    cmd.Flags().StringVar(&proto, "proto", "http", "wire protocol: http|grpc")
    cmd.Flags().StringVar(&memBind, "mem-bind", ":7946", "gossip bind addr (host:port)")
    cmd.Flags().StringVar(&memAdv, "mem-adv", "", "gossip advertise addr (host:port, optional)")
    cmd.Flags().StringVar(&membersCSV, "members", "", "founding member node ids (CSV); this node when empty")
    cmd.Flags().BoolVar(&joinMode, "join-mode", false, "join an existing cluster instead of founding one")
    cmd.Flags().StringVar(&discoveryKind, "discovery", "static", "seed discovery backend: static|file")
    cmd.Flags().StringVar(&seedsCSV, "seeds", "", "comma-separated gossip seeds (host:port)")
    cmd.Flags().StringVar(&filePath, "file-path", "", "path to a seeds file (one per line or CSV)")
    cmd.Flags().StringVar(&fileEnv, "file-env", "", "ENV var with CSV seeds; overrides file when set")
    cmd.Flags().DurationVar(&discRefresh, "disc-refresh", 5*time.Second, "seed cache refresh duration")
    cmd.Flags().StringVar(&dataDir, "data", "", "consensus data dir; in-memory when empty")
    cmd.Flags().IntVar(&retryMax, "retry-max", 0, "max routing attempts per request; 0 retries forever")
    cmd.Flags().DurationVar(&retryBase, "retry-base", 100*time.Millisecond, "initial retry backoff")
    cmd.Flags().DurationVar(&retryMaxBackoff, "retry-cap", 5*time.Second, "maximum retry backoff")
    cmd.Flags().DurationVar(&settle, "settle-delay", 5*time.Second, "wait before founding bootstrap")
    cmd.Flags().DurationVar(&register, "register-delay", 5*time.Second, "wait before self registration")
    cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable TLS for the delivery endpoint")
    cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to node certificate (PEM)")
    cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to node private key (PEM)")
    cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
    return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var flags clientFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch node status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            data, err := flags.roundtrip(transport.MsgStatus, struct{}{})
            if err != nil {
                return fmt.Errorf("status error: %w", err)
            }
            os.Stdout.Write(data)
            if len(data) == 0 || data[len(data)-1] != '\n' {
                fmt.Println()
            }
            return nil
        },
    }
    flags.register(cmd)
    return cmd
}

// NewSubmitCmd returns the "submit" command proposing one application command.
func NewSubmitCmd() *cobra.Command {
    var (
        flags clientFlags
        op    string
        data  string
    )
    cmd := &cobra.Command{
        Use:   "submit",
        Short: "Submit an application command to the cluster",
        RunE: func(cmd *cobra.Command, args []string) error {
            if op == "" {
                return fmt.Errorf("missing --op")
            }
            p := consensus.Proposal{
                Command: consensus.Command{Op: op, Data: []byte(data)},
                Mode:    consensus.ModeApplied,
            }
            body, err := flags.roundtrip(transport.MsgProposal, p)
            if err != nil {
                return fmt.Errorf("submit error: %w", err)
            }
            rep, err := transport.DecodeProposalReply(body)
            if err != nil {
                return err
            }
            if err := rep.Err(); err != nil {
                return err
            }
            return json.NewEncoder(os.Stdout).Encode(rep)
        },
    }
    cmd.Flags().StringVar(&op, "op", "", "operation name (required)")
    cmd.Flags().StringVar(&data, "data", "", "operation payload")
    flags.register(cmd)
    return cmd
}

// NewMemberCmd returns the "member" command group (add/remove).
func NewMemberCmd() *cobra.Command {
    parent := &cobra.Command{Use: "member", Short: "membership management"}
    parent.AddCommand(newMemberChangeCmd("add", "Add a node to the cluster",
        func(id consensus.NodeID) gateway.ConfigChange {
            return gateway.ConfigChange{Add: []consensus.NodeID{id}}
        }))
    parent.AddCommand(newMemberChangeCmd("remove", "Remove a node from the cluster",
        func(id consensus.NodeID) gateway.ConfigChange {
            return gateway.ConfigChange{Remove: []consensus.NodeID{id}}
        }))
    return parent
}

func newMemberChangeCmd(use, short string, build func(consensus.NodeID) gateway.ConfigChange) *cobra.Command {
    var (
        flags clientFlags
        id    string
    )
    cmd := &cobra.Command{
        Use:   use,
        Short: short,
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" {
                return fmt.Errorf("missing --id")
            }
            body, err := flags.roundtrip(transport.MsgConfigChange, build(consensus.NodeID(id)))
            if err != nil {
                return fmt.Errorf("%s error: %w", use, err)
            }
            rep, err := transport.DecodeProposalReply(body)
            if err != nil {
                return err
            }
            if err := rep.Err(); err != nil {
                return err
            }
            return json.NewEncoder(os.Stdout).Encode(rep)
        },
    }
    cmd.Flags().StringVar(&id, "id", "", "node id (required)")
    flags.register(cmd)
    return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
    ctx, cancel := context.WithCancel(context.Background())
    go func() {
        ch := make(chan os.Signal, 1)
        signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
        <-ch
        cancel()
    }()
    return ctx, cancel
}
