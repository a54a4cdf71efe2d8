package service

import (
	"errors"
	"fmt"

	"github.com/developingchet/fwconsole/internal/config"
	"github.com/developingchet/fwconsole/internal/device"
	"github.com/developingchet/fwconsole/internal/storage"
)

// ErrNoDevice is returned when neither DEVICE_URL nor a saved profile names
// a device.
var ErrNoDevice = errors.New("no device configured: set DEVICE_URL or save a default profile")

// DeviceConfig builds the device client settings. DEVICE_URL wins; otherwise
// the profile named by DEVICE_PROFILE, or the default profile, supplies the
// connection. The returned string names the source for logging.
func DeviceConfig(cfg *config.Config, store storage.Store) (device.ClientConfig, string, error) {
	cc := device.ClientConfig{
		VerifyTLS:  cfg.DeviceVerifyTLS,
		CACertPath: cfg.DeviceCACert,
		Timeout:    cfg.DeviceHTTPTimeout,
		Debug:      cfg.DeviceAPIDebug,
		LogLimit:   cfg.LogFetchLimit,
		RateLimit:  cfg.DeviceRateLimit,
		RateBurst:  cfg.DeviceRateBurst,
		UserAgent:  "fwconsole/" + BinaryVersion,
	}

	if cfg.HasDevice() {
		cc.BaseURL = cfg.DeviceURL
		cc.APIKey = cfg.DeviceAPIKey
		cc.APISecret = cfg.DeviceAPISecret
		return cc, "env", nil
	}
	if store == nil {
		return cc, "", ErrNoDevice
	}

	var (
		p   *storage.Profile
		err error
	)
	if cfg.DeviceProfile != "" {
		p, err = store.GetProfile(cfg.DeviceProfile)
		if err != nil {
			return cc, "", fmt.Errorf("load profile %q: %w", cfg.DeviceProfile, err)
		}
		if p == nil {
			return cc, "", fmt.Errorf("profile %q: %w", cfg.DeviceProfile, storage.ErrProfileNotFound)
		}
	} else {
		p, err = store.DefaultProfile()
		if err != nil {
			return cc, "", fmt.Errorf("load default profile: %w", err)
		}
		if p == nil {
			return cc, "", ErrNoDevice
		}
	}

	cc.BaseURL = p.BaseURL()
	cc.APIKey = p.APIKey
	cc.APISecret = p.APISecret
	cc.VerifyTLS = p.VerifyTLS
	return cc, "profile:" + p.Name, nil
}
