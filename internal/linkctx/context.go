package linkctx

import "go.uber.org/zap"

// Subsystem mirrors the PE optional header subsystem field (§6.1).
type Subsystem int

const (
	SubsystemConsole Subsystem = 3
	SubsystemWindows Subsystem = 2
)

// Context is the explicit, non-global configuration struct threaded through
// every component constructor, replacing the Config/Target/Driver/Out<ELFT>
// singletons the DESIGN NOTES section calls out (spec §9).
type Context struct {
	Target Target
	Log    *zap.SugaredLogger

	// Output
	OutputPath string

	// Roots / entry
	EntrySymbol    string
	UndefinedNames []string // --undefined / /include: forced references
	IncludeNames   []string

	// PE optional header fields
	ImageBase     uint64
	SectionAlign  uint64
	FileAlign     uint64
	StackReserve  uint64
	StackCommit   uint64
	HeapReserve   uint64
	HeapCommit    uint64
	Subsystem     Subsystem
	ImageVersion  [2]uint16
	MinOSVersion  [2]uint16
	NXCompat      bool
	DynamicBase   bool
	LargeAddress  bool
	TerminalAware bool
	AllowBind     bool
	AllowIsolation bool
	BaseRelocations bool

	// Output kind
	Shared        bool
	Relocatable   bool
	PIC           bool
	ExportDynamic bool

	// Symbol table behavior
	WrapNames map[string]bool // name -> wrap requested (spec §6.1, §12)
	Defsym    map[string]int64

	// Error degradation (§7)
	AllowRemainingUndefines bool
	AllowMultipleDefinition bool
	NoInhibitExec           bool
	Force                   bool // --force / /force: zero-valued absolutes for residual undefineds

	// DynamicTableBuilder inputs
	RPath          []string
	DynamicLinker  string
	SONAME         string
	AsNeeded       bool
	NoDefaultLibs  bool
	SearchPaths    []string
	DefaultLibs    []string
	NeededLibs     []string

	// DeadStrip / visibility
	GCSections    bool
	BuildID       bool
	VersionScript string
	DynamicList   string

	// LTO passthrough (opaque to the core, forwarded to the external
	// collaborator named in spec §1)
	ThinLTOJobs int
	LTOOptLevel int
	LTOCacheDir string
	SaveTemps   bool
}

// New returns a Context with the defaults spec §4.7 and §6.1 describe.
func New(t Target, log *zap.SugaredLogger) *Context {
	c := &Context{
		Target:       t,
		Log:          log,
		SectionAlign: t.Arch.PageSize(t.OS),
		FileAlign:    512,
		WrapNames:    make(map[string]bool),
		Defsym:       make(map[string]int64),
	}
	switch t.Container() {
	case ContainerPE:
		c.FileAlign = 0x200
		if t.Arch == ArchPPC64 {
			c.ImageBase = 0x10000000
		} else {
			c.ImageBase = 0x400000
		}
		c.Subsystem = SubsystemConsole
		c.StackReserve, c.StackCommit = 0x100000, 0x1000
		c.HeapReserve, c.HeapCommit = 0x100000, 0x1000
	case ContainerELF:
		c.FileAlign = 1
		if !c.PIC && !c.Shared {
			c.ImageBase = 0x400000
		}
	}
	return c
}
