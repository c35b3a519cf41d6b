package proxy

// InstanceLogAddon logs connection lifecycle events with instance
// identification, for operators running multiple proxy instances on one
// host.
type InstanceLogAddon struct {
	BaseAddon
	logger *InstanceLogger
}

// NewInstanceLogAddonWithFile creates a new instance-aware log addon with file output.
func NewInstanceLogAddonWithFile(addr, instanceName, logFilePath string) *InstanceLogAddon {
	return &InstanceLogAddon{
		logger: NewInstanceLoggerWithFile(addr, instanceName, logFilePath),
	}
}

// SetLogger allows setting a custom instance logger.
func (adn *InstanceLogAddon) SetLogger(logger *InstanceLogger) {
	adn.logger = logger
}

func (adn *InstanceLogAddon) ClientConnected(client *ClientConn) {
	adn.logger.WithFields(map[string]any{
		"client_addr": client.Conn.RemoteAddr().String(),
		"event":       "client_connected",
	}).Info("Client connected")
}

func (adn *InstanceLogAddon) ClientDisconnected(client *ClientConn) {
	adn.logger.WithFields(map[string]any{
		"client_addr": client.Conn.RemoteAddr().String(),
		"event":       "client_disconnected",
	}).Info("Client disconnected")
}

func (adn *InstanceLogAddon) ServerConnected(connCtx *ConnContext) {
	adn.logger.WithFields(map[string]any{
		"client_addr": connCtx.ClientConn.Conn.RemoteAddr().String(),
		"server_addr": connCtx.ServerConn.Address,
		"local_addr":  connCtx.ServerConn.Conn.LocalAddr().String(),
		"remote_addr": connCtx.ServerConn.Conn.RemoteAddr().String(),
		"event":       "server_connected",
	}).Info("Server connected")
}

func (adn *InstanceLogAddon) ServerDisconnected(connCtx *ConnContext) {
	adn.logger.WithFields(map[string]any{
		"client_addr": connCtx.ClientConn.Conn.RemoteAddr().String(),
		"server_addr": connCtx.ServerConn.Address,
		"local_addr":  connCtx.ServerConn.Conn.LocalAddr().String(),
		"remote_addr": connCtx.ServerConn.Conn.RemoteAddr().String(),
		"flow_count":  connCtx.FlowCount.Load(),
		"event":       "server_disconnected",
	}).Info("Server disconnected")
}
