package config

import "strings"

// Config represents the call core configuration
type Config struct {
	Accounts         []Account              `yaml:"accounts" validate:"dive"`
	AnsweringMachine AnsweringMachineConfig `yaml:"answering_machine"`
	Audio            AudioConfig            `yaml:"audio"`
	Chat             ChatConfig             `yaml:"chat"`
	FileTransfer     FileTransferConfig     `yaml:"file_transfer"`
	ScreenSharing    ScreenSharingConfig    `yaml:"screen_sharing"`
	Video            VideoConfig            `yaml:"video"`
	Contacts         []Contact              `yaml:"contacts" validate:"dive"`
	Sessions         SessionsConfig         `yaml:"sessions"`
	DNS              DNSConfig              `yaml:"dns"`
	History          HistoryConfig          `yaml:"history"`
	WebAdmin         WebAdminConfig         `yaml:"web_admin"`
	Logging          LoggingConfig          `yaml:"logging"`
}

// Account is one local identity calls are placed and received on.
type Account struct {
	ID                          string       `yaml:"id" validate:"required"`
	DisplayName                 string       `yaml:"display_name"`
	Bonjour                     bool         `yaml:"bonjour"`
	OutboundProxy               string       `yaml:"outbound_proxy"`
	AlwaysUseMyProxy            bool         `yaml:"always_use_my_proxy"`
	DoNotDisturbCode            int          `yaml:"do_not_disturb_code" validate:"omitempty,min=400,max=699"`
	RejectAnonymous             bool         `yaml:"reject_anonymous"`
	RejectUnauthorized          bool         `yaml:"reject_unauthorized"`
	AnonymousToAnsweringMachine bool         `yaml:"anonymous_to_answering_machine"`
	Audio                       AccountAudio `yaml:"audio"`
}

// AccountAudio holds the per-account audio call policy.
type AccountAudio struct {
	AutoAccept   bool  `yaml:"auto_accept"`
	AnswerDelay  int   `yaml:"answer_delay" validate:"gte=0,lte=300"`
	CallWaiting  *bool `yaml:"call_waiting"`
	DoNotDisturb bool  `yaml:"do_not_disturb"`
	AutoTransfer bool  `yaml:"auto_transfer"`
}

// Domain returns the host part of the account identifier.
func (a *Account) Domain() string {
	if i := strings.LastIndex(a.ID, "@"); i >= 0 {
		return a.ID[i+1:]
	}
	return a.ID
}

// URI returns the account address of record.
func (a *Account) URI() string {
	return "sip:" + a.ID
}

// CallWaitingEnabled defaults to true when unset.
func (a *Account) CallWaitingEnabled() bool {
	return a.Audio.CallWaiting == nil || *a.Audio.CallWaiting
}

// DNDCode is the rejection code used while do-not-disturb is on.
func (a *Account) DNDCode() int {
	if a.DoNotDisturbCode == 0 {
		return 486
	}
	return a.DoNotDisturbCode
}

// AnsweringMachineConfig controls the global answering machine.
type AnsweringMachineConfig struct {
	Enabled     bool `yaml:"enabled"`
	AnswerDelay int  `yaml:"answer_delay" validate:"gte=0,lte=600"`
}

// AudioConfig holds global audio settings.
type AudioConfig struct {
	PauseMusic bool `yaml:"pause_music"`
}

// ChatConfig holds global chat settings.
type ChatConfig struct {
	AutoAccept bool `yaml:"auto_accept"`
	Disabled   bool `yaml:"disabled"`
}

// FileTransferConfig holds global file transfer settings.
type FileTransferConfig struct {
	AutoAccept bool `yaml:"auto_accept"`
	Disabled   bool `yaml:"disabled"`
}

// ScreenSharingConfig holds screen sharing settings. ServerAddress is the
// local screen server probed before sharing our own screen.
type ScreenSharingConfig struct {
	Disabled      bool   `yaml:"disabled"`
	ServerAddress string `yaml:"server_address"`
}

// VideoConfig holds video settings. Video is unsupported without a device.
type VideoConfig struct {
	Device               string `yaml:"device"`
	EnableWhenAutoAnswer bool   `yaml:"enable_when_auto_answer"`
}

// Contact is an address book entry with its presence policy.
type Contact struct {
	Name       string   `yaml:"name"`
	URIs       []string `yaml:"uris" validate:"min=1,dive,required"`
	Policy     string   `yaml:"policy" validate:"omitempty,oneof=allow deny default"`
	AutoAnswer bool     `yaml:"auto_answer"`
}

// SessionsConfig tunes session lifecycle behaviour.
type SessionsConfig struct {
	DrainDelay        int      `yaml:"drain_delay" validate:"gte=0"`
	MusicPauseTimeout int      `yaml:"music_pause_timeout_ms" validate:"gte=0"`
	Transports        []string `yaml:"transports" validate:"min=1,dive,oneof=udp tcp tls"`
	LocalAddress      string   `yaml:"local_address"`
	Workers           int      `yaml:"workers" validate:"gte=1"`
}

// DNSConfig configures the route resolver.
type DNSConfig struct {
	Servers    []string `yaml:"servers"`
	ResolvConf string   `yaml:"resolv_conf"`
	TimeoutMS  int      `yaml:"timeout_ms" validate:"gte=0"`
}

// HistoryConfig configures the history store.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// WebAdminConfig configures the HTTP decision surface.
type WebAdminConfig struct {
	Port    int  `yaml:"port"`
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig configures log output and rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	Load(filename string) (*Config, error)
	Validate(config *Config) error
}
