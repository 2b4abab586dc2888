package mqtt

import (
	"crypto/tls"
	"testing"
	"time"
)

func TestOptions_BrokerURL(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want string
	}{
		{
			name: "mqtt over TLS",
			opts: Options{Host: "hub.example.net"},
			want: "ssl://hub.example.net:8883",
		},
		{
			name: "websockets",
			opts: Options{Host: "hub.example.net", UseWebsockets: true},
			want: "wss://hub.example.net:443/$iothub/websocket",
		},
		{
			name: "insecure local broker",
			opts: Options{Host: "127.0.0.1", Insecure: true},
			want: "tcp://127.0.0.1:1883",
		},
		{
			name: "explicit port",
			opts: Options{Host: "hub.example.net", Port: 18883},
			want: "ssl://hub.example.net:18883",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.opts.BrokerURL(); got != tt.want {
				t.Errorf("BrokerURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildClientOptions(t *testing.T) {
	cert := tls.Certificate{Certificate: [][]byte{{0x01}}}
	opts := buildClientOptions(Options{
		Host:          "hub.example.net",
		ClientID:      "sensor-01",
		Username:      "hub.example.net/sensor-01/?api-version=2021-04-12",
		Password:      "SharedAccessSignature sr=x",
		Certificates:  []tls.Certificate{cert},
		AutoReconnect: true,
		KeepAlive:     30 * time.Second,
	})

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://hub.example.net:8883" {
		t.Errorf("Servers = %v, want ssl://hub.example.net:8883", opts.Servers)
	}
	if opts.ClientID != "sensor-01" {
		t.Errorf("ClientID = %q, want sensor-01", opts.ClientID)
	}
	if opts.Username != "hub.example.net/sensor-01/?api-version=2021-04-12" {
		t.Errorf("Username = %q", opts.Username)
	}
	if opts.Password != "SharedAccessSignature sr=x" {
		t.Errorf("Password not set")
	}
	if opts.ProtocolVersion != 4 {
		t.Errorf("ProtocolVersion = %d, want 4", opts.ProtocolVersion)
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}
	if opts.ConnectRetry {
		t.Error("ConnectRetry = true, want false")
	}
	if opts.KeepAlive != 30 {
		t.Errorf("KeepAlive = %d, want 30", opts.KeepAlive)
	}
	if opts.TLSConfig == nil {
		t.Fatal("TLSConfig = nil, want TLS settings")
	}
	if opts.TLSConfig.MinVersion != tls.VersionTLS12 {
		t.Errorf("TLS MinVersion = %x, want TLS 1.2", opts.TLSConfig.MinVersion)
	}
	if opts.TLSConfig.ServerName != "hub.example.net" {
		t.Errorf("TLS ServerName = %q", opts.TLSConfig.ServerName)
	}
	if len(opts.TLSConfig.Certificates) != 1 {
		t.Errorf("TLS certificates = %d, want 1", len(opts.TLSConfig.Certificates))
	}
}

func TestBuildClientOptions_Insecure(t *testing.T) {
	opts := buildClientOptions(Options{Host: "127.0.0.1", Insecure: true})

	if opts.TLSConfig != nil && len(opts.TLSConfig.Certificates) > 0 {
		t.Error("insecure options should not carry client certificates")
	}
	if opts.KeepAlive != int64(defaultKeepAlive/time.Second) {
		t.Errorf("KeepAlive = %d, want default", opts.KeepAlive)
	}
}

func TestBuildClientOptions_CredentialsProvider(t *testing.T) {
	calls := 0
	opts := buildClientOptions(Options{
		Host: "hub.example.net",
		CredentialsProvider: func() (string, string) {
			calls++
			return "user", "token"
		},
	})

	if opts.CredentialsProvider == nil {
		t.Fatal("CredentialsProvider not set")
	}
	user, pass := opts.CredentialsProvider()
	if user != "user" || pass != "token" || calls != 1 {
		t.Errorf("CredentialsProvider() = %q, %q (calls=%d)", user, pass, calls)
	}
}
