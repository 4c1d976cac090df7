package shadow

// HookPos defines the enum of possible hooking positions
type HookPos struct {
	Name string
}

// HookCtx is the context that holds all the information about the site that a
// hook is triggered
type HookCtx struct {
	Domain *Domain
	Pos    *HookPos
	Item   Event
	Detail interface{}
}

// Event describes the page a hook position fires for.
type Event struct {
	GMFN MFN
	SMFN MFN
	Kind Kind
	What string
}

// Hookable defines an object that accept Hooks
type Hookable interface {
	// AcceptHook registers a hook
	AcceptHook(hook Hook)
}

// Hook is a short piece of program that can be invoked by a hookable object.
type Hook interface {
	// Func determines what to do if hook is invoked.
	Func(ctx HookCtx)
}

// Hook positions of the shadow subsystem.
var (
	HookPosPromote        = &HookPos{Name: "Promote"}
	HookPosDemote         = &HookPos{Name: "Demote"}
	HookPosUnsync         = &HookPos{Name: "Unsync"}
	HookPosResync         = &HookPos{Name: "Resync"}
	HookPosResyncOnly     = &HookPos{Name: "ResyncOnly"}
	HookPosFixupEvict     = &HookPos{Name: "FixupEvict"}
	HookPosAlloc          = &HookPos{Name: "Alloc"}
	HookPosFree           = &HookPos{Name: "Free"}
	HookPosPreallocUnpin  = &HookPos{Name: "PreallocUnpin"}
	HookPosPreallocUnhook = &HookPos{Name: "PreallocUnhook"}
	HookPosWriteAccess    = &HookPos{Name: "WriteAccessRemoved"}
	HookPosDomainCrash    = &HookPos{Name: "DomainCrash"}
	HookPosBlowTables     = &HookPos{Name: "BlowTables"}
)

// Stages of the write-access search, reported as the Detail of
// HookPosWriteAccess.
const (
	StageHeuristic  = "heuristic"
	StageLastSMFN   = "last_smfn"
	StageBruteForce = "brute_force"
)

// A HookableBase provides some utility function for other type that implement
// the Hookable interface.
type HookableBase struct {
	Hooks []Hook
}

// NewHookableBase creates a HookableBase object
func NewHookableBase() *HookableBase {
	h := new(HookableBase)
	h.Hooks = make([]Hook, 0)

	return h
}

// AcceptHook register a hook
func (h *HookableBase) AcceptHook(hook Hook) {
	h.Hooks = append(h.Hooks, hook)
}

// InvokeHook triggers the register Hooks
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.Hooks {
		hook.Func(ctx)
	}
}

func (d *Domain) fire(pos *HookPos, item Event, detail interface{}) {
	if len(d.Hooks) == 0 {
		return
	}

	d.InvokeHook(HookCtx{
		Domain: d,
		Pos:    pos,
		Item:   item,
		Detail: detail,
	})
}
