package tagmux

// Re-exported defaults for the tag/level engine's build-time tunables.
const (
	DefaultMaxTags    = 256
	DefaultLevels     = 32
	DefaultBufferSize = 4096
	AnonymousKey      = 0
)
