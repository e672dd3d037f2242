package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_skywatch._tcp"
	mdnsDomain      = "local."
)

// startMDNS advertises the broker with enough TXT metadata for a sensor or
// dashboard to discover both transports and the telemetry topics without
// any further configuration.
func (a *App) startMDNS(mqttPort int) error {
	if mqttPort <= 0 {
		return fmt.Errorf("invalid mqtt port %d", mqttPort)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "skywatch"
	}

	instance := mdnsInstanceName(hostname)
	hostLabel := mdnsHostLabel(hostname)
	hostFQDN := hostLabel
	if !strings.Contains(hostFQDN, ".") {
		hostFQDN += ".local"
	}

	txt := []string{
		fmt.Sprintf("mqtt_port=%d", mqttPort),
		fmt.Sprintf("http_port=%d", a.cfg.HTTPPort),
		"ws_path=/ws",
		"ingest_topic=" + a.cfg.IngestTopic,
		"updates_topic=" + a.cfg.UpdatesTopic,
		"host=" + hostFQDN,
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, mqttPort, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "mqtt_port", mqttPort, "http_port", a.cfg.HTTPPort)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

// mdnsInstanceName builds a service instance label from the hostname.
// Instance labels reject dots and underscores and cap at 63 characters.
func mdnsInstanceName(hostname string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '.', '_', '\n', '\r':
			return ' '
		}
		return r
	}, strings.TrimSpace(hostname))
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if cleaned == "" {
		cleaned = "skywatch"
	}

	name := "Skywatch (" + cleaned + ")"
	runes := []rune(name)
	if len(runes) > 63 {
		name = string(runes[:63])
	}
	return name
}

// mdnsHostLabel normalizes the hostname into a single DNS label.
func mdnsHostLabel(hostname string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_':
			return '-'
		case '\n', '\r':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(hostname)))
	if cleaned == "" {
		cleaned = "skywatch"
	}

	runes := []rune(cleaned)
	if len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}
