package forward

import (
	"github.com/sirupsen/logrus"
)

// HandleInterfacesChanged 网卡变化只记录，不重绑已有会话
func (e *Engine) HandleInterfacesChanged(summary string) {
	logrus.Infof("网卡发生变化: %s", summary)
}

// HandleVPNStateChanged VPN 连上后等网卡稳定，再重启全部转发，
// 这样监听可以落到新的 VPN 网卡上
func (e *Engine) HandleVPNStateChanged(active bool) {
	state := "INACTIVE"
	if active {
		state = "ACTIVE"
	}
	logrus.Infof("VPN 状态变化: %s", state)
	if e.opts.Resolver != nil {
		if vpn := e.opts.Resolver.VPNAddress(); vpn != nil {
			logrus.Infof("VPN 地址: %s", vpn)
		}
	}

	if !active || len(e.ActiveForwards()) == 0 {
		return
	}

	e.restartMu.Lock()
	defer e.restartMu.Unlock()
	if e.closing {
		return
	}
	// 稳定期内重复通知只推迟已有的重启
	if e.restartTimer != nil {
		e.restartTimer.Reset(e.opts.StabilizeDelay)
		logrus.Infof("VPN 再次连接，重启推迟到 %v 后", e.opts.StabilizeDelay)
		return
	}

	logrus.Infof("VPN 已连接，%v 后重启全部转发", e.opts.StabilizeDelay)
	timer := e.clock.NewTimer(e.opts.StabilizeDelay)
	e.restartTimer = timer
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-e.ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
		e.restartMu.Lock()
		e.restartTimer = nil
		e.restartMu.Unlock()
		e.RestartAllForwarding()
	}()
}
