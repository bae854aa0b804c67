// Package mme is the top-level coordinator: it owns the reactor, the
// registry, and every transport (S1-MME, S11, S6a, SDN controller, Cmd,
// admin HTTP), and implements the small interfaces each FSM package
// declares (s1assoc.PLMNChecker/UERouter, ecm.Sink, emm.NASSender/
// SessionEstablisher, paging.AssociationSource/Sender, opview.Operator)
// so that none of those packages has to import another. This mirrors
// the original's EMMCtx owning a pointer to its ecm/esm/s6a collaborators
// (NAS_EMM.c's emm_init), generalized from direct struct pointers to
// Go interfaces satisfied by one coordinator.
package mme

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/your-org/aalto-mme/internal/adminserver"
	"github.com/your-org/aalto-mme/internal/cmdsocket"
	"github.com/your-org/aalto-mme/internal/config"
	"github.com/your-org/aalto-mme/internal/ecm"
	"github.com/your-org/aalto-mme/internal/emm"
	"github.com/your-org/aalto-mme/internal/esm"
	"github.com/your-org/aalto-mme/internal/metrics"
	"github.com/your-org/aalto-mme/internal/model"
	"github.com/your-org/aalto-mme/internal/opview"
	"github.com/your-org/aalto-mme/internal/paging"
	"github.com/your-org/aalto-mme/internal/reactor"
	"github.com/your-org/aalto-mme/internal/registry"
	"github.com/your-org/aalto-mme/internal/s11"
	"github.com/your-org/aalto-mme/internal/s1assoc"
	"github.com/your-org/aalto-mme/internal/s6a"
	"github.com/your-org/aalto-mme/internal/s6a/chstore"
	"github.com/your-org/aalto-mme/internal/sdnctrl"
)

// ueState bundles the three FSMs the registry only knows as interface{},
// plus the S1 transport state and tracking-area bookkeeping the
// coordinator needs to drive a single UE end to end.
type ueState struct {
	emm *emm.Ctx
	esm *esm.Context
	ecm *ecm.Session

	tais []model.TAI // last TAI the UE reported, for paging

	pendingAPN string // APN from the PDN Connectivity Request riding the Attach Request's ESM container
	pendingPTI uint8

	attachSpan trace.Span // one span per Attach attempt, started on Attach Request, ended on Accept/Reject
}

// assocState wraps an s1assoc.Assoc with its net.Conn so the coordinator
// can frame outbound PDUs and close the socket on Lost(). regAssocID is
// the registry's handle for the eNB-keyed association record, set once
// S1 Setup succeeds (zero until then).
type assocState struct {
	fsm        *s1assoc.Assoc
	conn       net.Conn
	regAssocID registry.AssocID
}

// Coordinator is the MME process.
type Coordinator struct {
	cfg    *config.Config
	logger *zap.Logger

	reactor *reactor.Reactor
	reg     *registry.Registry

	s6aClient s6a.Client
	sdn       *sdnctrl.Client
	paging    *paging.Engine
	tracer    trace.Tracer

	s1Listener net.Listener
	s11Conn    *net.UDPConn

	mu       sync.Mutex
	ues      map[uint32]*ueState
	assocs   map[uint32]*assocState
	s11Sess  map[uint32]*s11.Session // keyed by MME-UE-S1AP-ID
	s11ByTEID map[uint32]uint32      // local TEID -> MME-UE-S1AP-ID, for response routing

	servedPLMNs map[string]bool

	adminSrv *adminserver.Server
	cmdSrv   *cmdsocket.Server

	localIP [4]byte

	nextAssocID uint32
	nextTEID    uint32
}

// New builds a Coordinator from cfg but does not yet bind any socket;
// call Start to do that.
func New(cfg *config.Config, logger *zap.Logger) (*Coordinator, error) {
	c := &Coordinator{
		cfg:         cfg,
		logger:      logger,
		reactor:     reactor.New(logger),
		reg:         registry.New(logger),
		tracer:      otel.Tracer("aalto-mme"),
		ues:         make(map[uint32]*ueState),
		assocs:      make(map[uint32]*assocState),
		s11Sess:     make(map[uint32]*s11.Session),
		s11ByTEID:   make(map[uint32]uint32),
		servedPLMNs: make(map[string]bool),
	}

	for _, gummei := range cfg.MME.ServedGUMMEIs {
		for _, plmn := range gummei.ServedPLMNs {
			c.servedPLMNs[model.PLMN{MCC: plmn.MCC, MNC: plmn.MNC}.String()] = true
		}
	}

	if ip := net.ParseIP(cfg.MME.IPv4); ip != nil {
		copy(c.localIP[:], ip.To4())
	}

	s6aClient, err := buildS6aClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	c.s6aClient = s6aClient

	c.sdn = sdnctrl.New(cfg.SDN.Address, cfg.SDN.Timeout, logger)
	c.paging = paging.New(c, c, logger)

	c.adminSrv = adminserver.New(cfg.Admin.BindAddress, c, logger)
	cmdSrv, err := cmdsocket.Listen(cfg.Cmd.BindAddress, c, logger)
	if err != nil {
		return nil, err
	}
	c.cmdSrv = cmdSrv

	return c, nil
}

func buildS6aClient(cfg *config.Config, logger *zap.Logger) (s6a.Client, error) {
	switch cfg.MME.S6a.Backend {
	case "clickhouse", "":
		return chstore.Open(chstore.Config{
			Host:     cfg.MME.S6a.Host,
			Database: cfg.MME.S6a.DB,
			User:     cfg.MME.S6a.User,
			Password: cfg.MME.S6a.Password,
		}, logger)
	case "diameter":
		return s6a.DialDiameter(context.Background(), cfg.MME.S6a.Host, logger)
	default:
		return nil, fmt.Errorf("mme: unknown mme.S6a.backend %q", cfg.MME.S6a.Backend)
	}
}

// Start binds the S1-MME, S11, admin HTTP, and Cmd sockets and begins
// serving. The reactor loop itself runs on the calling goroutine
// (blocking) once every listener goroutine is launched, matching
// spec.md §5's single-threaded-owner model: all the goroutines below
// only ever touch Coordinator state by calling c.reactor.Post.
func (c *Coordinator) Start(ctx context.Context) error {
	s1Addr := fmt.Sprintf("%s:%d", c.cfg.MME.S1.BindAddress, c.cfg.MME.S1.Port)
	ln, err := net.Listen("tcp", s1Addr)
	if err != nil {
		return fmt.Errorf("mme: binding S1-MME at %s: %w", s1Addr, err)
	}
	c.s1Listener = ln
	c.logger.Info("S1-MME listening", zap.String("addr", s1Addr))

	s11Addr := fmt.Sprintf("%s:%d", c.cfg.MME.S11.BindAddress, c.cfg.MME.S11.Port)
	udpAddr, err := net.ResolveUDPAddr("udp", s11Addr)
	if err != nil {
		return fmt.Errorf("mme: resolving S11 bind %s: %w", s11Addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("mme: binding S11 at %s: %w", s11Addr, err)
	}
	c.s11Conn = conn
	c.logger.Info("S11 listening", zap.String("addr", s11Addr))

	metrics.SetServiceUp(true)

	go c.acceptS1Loop()
	go c.s11ReadLoop()
	go func() {
		if err := c.adminSrv.Start(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("admin server stopped", zap.Error(err))
		}
	}()
	go c.cmdSrv.Serve()

	c.reactor.Run()
	return nil
}

// Stop tears down every listener and the reactor, in roughly reverse
// order of Start.
func (c *Coordinator) Stop(ctx context.Context) error {
	metrics.SetServiceUp(false)
	_ = c.cmdSrv.Close()
	_ = c.adminSrv.Stop(ctx)
	if c.s1Listener != nil {
		_ = c.s1Listener.Close()
	}
	if c.s11Conn != nil {
		_ = c.s11Conn.Close()
	}
	_ = c.s6aClient.Close()
	_ = c.sdn.Close()
	c.reactor.Stop(5 * time.Second)
	return nil
}

// ServesPLMN implements s1assoc.PLMNChecker.
func (c *Coordinator) ServesPLMN(plmn model.PLMN) bool {
	return c.servedPLMNs[plmn.String()]
}

func (c *Coordinator) allocTEID() uint32 {
	c.nextTEID++
	return c.nextTEID
}
