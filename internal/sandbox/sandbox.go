// Package sandbox is an in-memory stand-in for the Tuya native SDK. It answers
// every wired method with plausible data so apps and tools can be developed
// against a host without real devices or accounts.
package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
	"tuya-bridge/server"
	"tuya-bridge/tuya"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// DefaultOTP is the registration code every requestRegister "sends".
const DefaultOTP = "123456"

type Home struct {
	HomeID  int64    `json:"homeId"`
	Name    string   `json:"name"`
	Devices []Device `json:"-"`
}

type Device struct {
	DevID    string `json:"devId"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Online   bool   `json:"online"`
}

type User struct {
	UID         string `json:"uid"`
	CountryCode string `json:"countryCode"`
	Email       string `json:"email,omitempty"`
}

// nativeError is the failure shape the native SDK reports.
type nativeError struct {
	Code    string `json:"errorCode"`
	Message string `json:"errorMsg"`
}

func fail(code, format string, a ...any) error {
	return server.Fail(nativeError{Code: code, Message: fmt.Sprintf(format, a...)})
}

// Sandbox holds the fake SDK state. It is safe for concurrent use.
type Sandbox struct {
	mu       sync.Mutex
	homes    map[int64]*Home
	nextHome int64
	pending  map[string]string // email → otp
	users    map[string]*User  // email or uid → user
	password map[string]string // uid → password

	frameInterval time.Duration
	logger        *zap.Logger
}

type Option func(*Sandbox)

// WithFrameInterval sets how often a live play session reports frame stats.
func WithFrameInterval(d time.Duration) Option {
	return func(s *Sandbox) { s.frameInterval = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Sandbox) { s.logger = logger }
}

// New returns a sandbox seeded with one home holding a camera and a lock.
func New(opts ...Option) *Sandbox {
	s := &Sandbox{
		homes:         make(map[int64]*Home),
		nextHome:      1000,
		pending:       make(map[string]string),
		users:         make(map[string]*User),
		password:      make(map[string]string),
		frameInterval: time.Second,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	home := s.addHome("My Home")
	home.Devices = []Device{
		{DevID: "cam-livingroom", Name: "Living room camera", Category: "sp", Online: true},
		{DevID: "lock-frontdoor", Name: "Front door lock", Category: "ms", Online: true},
		{DevID: "cam-garage", Name: "Garage camera", Category: "sp", Online: false},
	}
	return s
}

// Register installs a handler for every wired method on srv.
func (s *Sandbox) Register(srv *server.Server) {
	srv.Handle(tuya.CreateHomeMethod.Name, s.createHome)
	srv.Handle(tuya.ListHomesMethod.Name, s.listHomes)
	srv.Handle(tuya.ListDevicesMethod.Name, s.listDevices)
	srv.Handle(tuya.RequestRegisterMethod.Name, s.requestRegister)
	srv.Handle(tuya.RegisterMethod.Name, s.register)
	srv.Handle(tuya.LoginOrRegisterWithUIDMethod.Name, s.loginOrRegisterWithUID)
	srv.HandleStream(tuya.StartCameraLivePlayMethod.Name, s.startCameraLivePlay)
}

func (s *Sandbox) addHome(name string) *Home {
	s.nextHome++
	h := &Home{HomeID: s.nextHome, Name: name}
	s.homes[h.HomeID] = h
	return h
}

func (s *Sandbox) createHome(ctx context.Context, args server.Args) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.addHome(fmt.Sprintf("Home %d", len(s.homes)+1))
	s.logger.Debug("home created", zap.Int64("homeId", h.HomeID))
	return h, nil
}

func (s *Sandbox) listHomes(ctx context.Context, args server.Args) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	homes := make([]Home, 0, len(s.homes))
	for _, h := range s.homes {
		homes = append(homes, *h)
	}
	sort.Slice(homes, func(i, j int) bool { return homes[i].HomeID < homes[j].HomeID })
	return homes, nil
}

// homeID accepts the id as a JSON number or a numeric string; apps send both.
func homeID(args server.Args) (int64, error) {
	var id int64
	if err := args.Bind(0, &id); err == nil {
		return id, nil
	}
	str, err := args.String(0)
	if err != nil {
		return 0, fail("INVALID_PARAMS", "homeId: %v", err)
	}
	if _, err := fmt.Sscan(str, &id); err != nil {
		return 0, fail("INVALID_PARAMS", "homeId %q is not numeric", str)
	}
	return id, nil
}

func (s *Sandbox) listDevices(ctx context.Context, args server.Args) (any, error) {
	id, err := homeID(args)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.homes[id]
	if !ok {
		return nil, fail("HOME_NOT_FOUND", "home %d does not exist", id)
	}
	devices := make([]Device, len(h.Devices))
	copy(devices, h.Devices)
	return devices, nil
}

func (s *Sandbox) device(devID string) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.homes {
		for _, d := range h.Devices {
			if d.DevID == devID {
				return d, true
			}
		}
	}
	return Device{}, false
}

func strings3(args server.Args) (a, b, c string, err error) {
	if a, err = args.String(0); err != nil {
		return
	}
	if b, err = args.String(1); err != nil {
		return
	}
	c, err = args.String(2)
	return
}

func (s *Sandbox) requestRegister(ctx context.Context, args server.Args) (any, error) {
	_, email, _, err := strings3(args)
	if err != nil {
		return nil, fail("INVALID_PARAMS", "%v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[email]; exists {
		return nil, fail("USER_NAME_IS_EXIST", "%s is already registered", email)
	}
	s.pending[email] = DefaultOTP
	s.logger.Debug("verification code sent", zap.String("email", email))
	return true, nil
}

func (s *Sandbox) register(ctx context.Context, args server.Args) (any, error) {
	cc, email, password, err := strings3(args)
	if err != nil {
		return nil, fail("INVALID_PARAMS", "%v", err)
	}
	otp, err := args.String(3)
	if err != nil {
		return nil, fail("INVALID_PARAMS", "%v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[email]; exists {
		return nil, fail("USER_NAME_IS_EXIST", "%s is already registered", email)
	}
	want, ok := s.pending[email]
	if !ok || want != otp {
		return nil, fail("ILLEGAL_VERIFY_CODE", "verification code is wrong or expired")
	}
	delete(s.pending, email)
	u := &User{UID: ulid.Make().String(), CountryCode: cc, Email: email}
	s.users[email] = u
	s.password[u.UID] = password
	return u, nil
}

func (s *Sandbox) loginOrRegisterWithUID(ctx context.Context, args server.Args) (any, error) {
	cc, uid, password, err := strings3(args)
	if err != nil {
		return nil, fail("INVALID_PARAMS", "%v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[uid]; ok {
		if s.password[uid] != password {
			return nil, fail("USER_PASSWD_WRONG", "wrong password for %s", uid)
		}
		return u, nil
	}
	u := &User{UID: uid, CountryCode: cc}
	s.users[uid] = u
	s.password[uid] = password
	return u, nil
}

// LiveState is one emission of a live play session.
type LiveState struct {
	DevID  string `json:"devId"`
	State  string `json:"state"`
	Frames int    `json:"frames,omitempty"`
	FPS    int    `json:"fps,omitempty"`
}

func (s *Sandbox) startCameraLivePlay(ctx context.Context, args server.Args, emit server.Emitter) error {
	devID, err := args.String(0)
	if err != nil {
		return fail("INVALID_PARAMS", "devId: %v", err)
	}
	d, ok := s.device(devID)
	if !ok {
		return fail("DEVICE_NOT_FOUND", "device %s does not exist", devID)
	}

	if err := emit.Success(LiveState{DevID: devID, State: "connecting"}); err != nil {
		return nil
	}
	if !d.Online {
		return fail("DEVICE_OFFLINE", "device %s is offline", devID)
	}
	if err := emit.Success(LiveState{DevID: devID, State: "connected"}); err != nil {
		return nil
	}

	const fps = 15
	ticker := time.NewTicker(s.frameInterval)
	defer ticker.Stop()
	frames := 0
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("live play stopped", zap.String("devId", devID), zap.Int("frames", frames))
			return nil
		case <-ticker.C:
		}
		frames += int(s.frameInterval.Seconds()*fps) + 1
		if err := emit.Success(LiveState{DevID: devID, State: "frame", Frames: frames, FPS: fps}); err != nil {
			return nil
		}
	}
}
