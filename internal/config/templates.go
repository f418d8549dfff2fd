package config

import (
	"fmt"
	"os"
)

func Template(role Role) (string, error) {
	switch role {
	case RoleChargingStation:
		return chargingStationTemplate, nil
	case RoleRouter:
		return routerTemplate, nil
	case RoleCSMS:
		return csmsTemplate, nil
	default:
		return "", fmt.Errorf("unknown config role: %s", role)
	}
}

func WriteTemplate(path string, role Role, overwrite bool) error {
	template, err := Template(role)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const chargingStationTemplate = `id = "cp1"
role = "charging_station"
format = "text"
secret = "cp1-secret"
default_route = "r1"
request_timeout = "30s"

[[peers]]
id = "r1"
url = "ws://localhost:9200/ocpp"
`

const routerTemplate = `id = "r1"
role = "router"
listen = ":9200"
admin = ":9201"
prefix = "/ocpp"
overlay = true
secret = "r1-secret"
default_route = "CSMS"
default_decision = "FORWARD"

[secrets]
cp1 = "cp1-secret"

[[peers]]
id = "CSMS"
url = "ws://localhost:9000/ocpp"

[filters]
rate_limit = 20.0
burst = 40
deny_actions = []

[session]
ping_interval = "20s"
`

const csmsTemplate = `id = "CSMS"
role = "csms"
listen = ":9000"
admin = ":9001"
prefix = "/ocpp"

[secrets]
r1 = "r1-secret"

[routes]
cp1 = "r1"

[session]
security_mode = "development"
tls_enabled = false
`
