package launcher

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// HelperConfig configures the mount helper for encrypted images.
type HelperConfig struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
	Env  []string `yaml:"env"`
	// BridgeLetter is the drive letter the helper exposes decrypted images on.
	BridgeLetter string `yaml:"bridge_letter"`
	// Root overrides the bridge drive root, for development hosts.
	Root string `yaml:"root"`
}

// Timeouts groups every bounded wait of the pipeline.
type Timeouts struct {
	Tool         time.Duration `yaml:"tool"`
	Assign       time.Duration `yaml:"assign"`
	HelperAppear time.Duration `yaml:"helper_appear"`
	Reappear     time.Duration `yaml:"reappear"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
	BootSelect   time.Duration `yaml:"boot_select"`
	Protect      time.Duration `yaml:"protect_interval"`
	GracePeriod  time.Duration `yaml:"grace_period"`
}

// Config is the site configuration of a launcher installation.
type Config struct {
	MountLetter         string   `yaml:"mount_letter"`
	Keywords            []string `yaml:"keywords"`
	ProcessKeywords     []string `yaml:"process_keywords"`
	InstallerMediaLabel string   `yaml:"installer_media_label"`
	ImageExtensions     []string `yaml:"image_extensions"`
	EncryptedExtensions []string `yaml:"encrypted_extensions"`

	// LocalRoots and RemovableRoots replace drive enumeration when set.
	LocalRoots     []string `yaml:"local_roots"`
	RemovableRoots []string `yaml:"removable_roots"`

	AdminURL        string `yaml:"admin_url"`
	AdminSRV        string `yaml:"admin_srv"`
	AdminNameserver string `yaml:"admin_nameserver"`
	MachineID       string `yaml:"machine_id"`

	TrustBundle     string `yaml:"trust_bundle"`
	RequireManifest bool   `yaml:"require_manifest"`

	UpdateSources []string `yaml:"update_sources"`
	StagingDir    string   `yaml:"staging_dir"`
	UpdaterPath   string   `yaml:"updater_path"`
	InstallRoot   string   `yaml:"install_root"`

	MountHelper HelperConfig `yaml:"mount_helper"`
	// Attacher is "native" or "powershell".
	Attacher string `yaml:"attacher"`

	KeyName          string `yaml:"key_name"`
	SoftwareKeyPath  string `yaml:"software_key_path"`
	AllowSoftwareKey bool   `yaml:"allow_software_key"`

	Timeouts Timeouts `yaml:"timeouts"`
	LockFile string   `yaml:"lock_file"`
	// DryRunPower logs shutdowns and reboots instead of performing them.
	DryRunPower bool `yaml:"dry_run_power"`
}

// DefaultConfig returns a configuration that only lacks site keywords.
func DefaultConfig() Config {
	return Config{
		MountLetter:         "V",
		InstallerMediaLabel: "INSTALLER",
		ImageExtensions:     []string{".vhd", ".vhdx"},
		EncryptedExtensions: []string{".evhd"},
		Attacher:            "native",
		KeyName:             "vhd-provisioner-machine-key",
		SoftwareKeyPath:     "machine-key.pem",
		StagingDir:          "staging",
		UpdaterPath:         "updater.exe",
		LockFile:            "launcher.lock",
		MountHelper: HelperConfig{
			BridgeLetter: "X",
		},
		Timeouts: Timeouts{
			Tool:         30 * time.Second,
			Assign:       30 * time.Second,
			HelperAppear: time.Minute,
			Reappear:     30 * time.Second,
			SettleDelay:  3 * time.Second,
			BootSelect:   5 * time.Second,
			Protect:      500 * time.Millisecond,
			GracePeriod:  10 * time.Minute,
		},
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("could not read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("could not parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings the pipeline cannot run without.
func (c Config) Validate() error {
	if len(c.Keywords) == 0 {
		return errors.New("config: no keywords")
	}
	if len(c.MountLetter) != 1 {
		return fmt.Errorf("config: mount_letter %q is not a single drive letter", c.MountLetter)
	}
	switch c.Attacher {
	case "native", "powershell":
	default:
		return fmt.Errorf("config: unknown attacher %q", c.Attacher)
	}
	return nil
}

// processKeywords falls back to the image keywords.
func (c Config) processKeywords() []string {
	if len(c.ProcessKeywords) > 0 {
		return c.ProcessKeywords
	}
	return c.Keywords
}
