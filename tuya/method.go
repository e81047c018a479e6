package tuya

import "tuya-bridge/message"

// Method declares one native method: its wire name and how typed parameters
// are laid out positionally. Params names the positions in order.
type Method[P any] struct {
	Name   string
	Params []string
	Stream bool
	Args   func(P) []any
}

// Call builds the call descriptor for p addressed to pluginID.
func (m Method[P]) Call(pluginID string, p P) message.Call {
	return message.Call{Plugin: pluginID, Method: m.Name, Args: m.Args(p)}
}

// Info describes a wired method without its parameter type.
func (m Method[P]) Info() MethodInfo {
	return MethodInfo{Name: m.Name, Params: m.Params, Stream: m.Stream}
}

// MethodInfo is the untyped view of a Method, for hosts and tooling.
type MethodInfo struct {
	Name   string
	Params []string
	Stream bool
}

type noParams struct{}

func noArgs(noParams) []any { return []any{} }

type RequestRegisterParams struct {
	CountryCode string
	Email       string
	Password    string
}

type RegisterParams struct {
	CountryCode string
	Email       string
	Password    string
	OTP         string
}

type LoginOrRegisterWithUIDParams struct {
	CountryCode string
	UID         string
	Password    string
}

type LivePlayParams struct {
	DevID string
}

var (
	CreateHomeMethod = Method[noParams]{Name: "home_createHome", Args: noArgs}
	ListHomesMethod  = Method[noParams]{Name: "home_listHomes", Args: noArgs}

	ListDevicesMethod = Method[string]{
		Name:   "home_listDevices",
		Params: []string{"homeId"},
		Args:   func(homeID string) []any { return []any{homeID} },
	}

	RequestRegisterMethod = Method[RequestRegisterParams]{
		Name:   "user_requestRegister",
		Params: []string{"countryCode", "email", "password"},
		Args: func(p RequestRegisterParams) []any {
			return []any{p.CountryCode, p.Email, p.Password}
		},
	}

	RegisterMethod = Method[RegisterParams]{
		Name:   "user_register",
		Params: []string{"countryCode", "email", "password", "otp"},
		Args: func(p RegisterParams) []any {
			return []any{p.CountryCode, p.Email, p.Password, p.OTP}
		},
	}

	// The native side registers this name misspelled; it must be sent as is.
	LoginOrRegisterWithUIDMethod = Method[LoginOrRegisterWithUIDParams]{
		Name:   "user_loginOrRegitserWithUID",
		Params: []string{"countryCode", "uid", "password"},
		Args: func(p LoginOrRegisterWithUIDParams) []any {
			return []any{p.CountryCode, p.UID, p.Password}
		},
	}

	StartCameraLivePlayMethod = Method[LivePlayParams]{
		Name:   "ipc_startCameraLivePlay",
		Params: []string{"devId"},
		Stream: true,
		Args:   func(p LivePlayParams) []any { return []any{p.DevID} },
	}
)

// Methods lists every method wired to the native handler, grouped in the order
// Home, User, IPC.
func Methods() []MethodInfo {
	return []MethodInfo{
		CreateHomeMethod.Info(),
		ListHomesMethod.Info(),
		ListDevicesMethod.Info(),
		RequestRegisterMethod.Info(),
		RegisterMethod.Info(),
		LoginOrRegisterWithUIDMethod.Info(),
		StartCameraLivePlayMethod.Info(),
	}
}

// Lookup returns the wired method called name.
func Lookup(name string) (MethodInfo, bool) {
	for _, m := range Methods() {
		if m.Name == name {
			return m, true
		}
	}
	return MethodInfo{}, false
}
