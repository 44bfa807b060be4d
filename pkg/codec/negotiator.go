package codec

import (
	"bytes"
	"context"
	"fmt"

	"github.com/arzzra/a2dp/pkg/logging"
)

// Feeding формат PCM, который отдает приложение
type Feeding struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// SBCFreq частота SBC для частоты PCM: семейство 8 кГц идет в 48 кГц, 11.025 кГц в 44.1 кГц
func (f Feeding) SBCFreq() (uint8, bool) {
	switch f.SampleRate {
	case 8000, 12000, 16000, 24000, 32000, 48000:
		return SampleFreq48000, true
	case 11025, 22050, 44100:
		return SampleFreq44100, true
	default:
		return 0, false
	}
}

// Validate проверяет число каналов и разрядность
func (f Feeding) Validate() error {
	if _, ok := f.SBCFreq(); !ok {
		return newNegotiationError(StatusFeedingNotSupported, "частота PCM %d не поддерживается", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return newNegotiationError(StatusFeedingNotSupported, "число каналов %d не поддерживается", f.Channels)
	}
	if f.BitsPerSample != 8 && f.BitsPerSample != 16 {
		return newNegotiationError(StatusFeedingNotSupported, "разрядность %d не поддерживается", f.BitsPerSample)
	}
	return nil
}

// Selection результат выбора конфигурации для пира
type Selection struct {
	Endpoint Endpoint
	Config   []byte
	CPActive bool
	// Reconfigure требует от транспорта переконфигурировать поток,
	// выбранная конфигурация отличается от активной
	Reconfigure bool
}

// SetConfigRequest конфигурация, предложенная пиром (мы акцептор)
type SetConfigRequest struct {
	Addr       string
	SEID       uint8
	Index      int
	CodecType  CodecType
	Info       []byte
	Protect    []byte
	NumProtect int
}

// SetConfigResult ответ на предложенную конфигурацию
type SetConfigResult struct {
	Status         Status
	ReconfigNeeded bool
}

// NegotiatorOptions параметры согласования
type NegotiatorOptions struct {
	Role              Role
	ContentProtection bool
	Bitpool           BitpoolRange // локальные границы источника
	Logger            logging.Logger
}

// Negotiator владеет текущей конфигурацией кодека и пиром сессии.
// Вызывается только из рабочего контекста сессии.
type Negotiator struct {
	role      Role
	localCaps SBCInfo
	current   SBCInfo
	cpFlag    byte

	remotePref *BitpoolRange
	peer       Peer

	logger logging.Logger
}

func NewNegotiator(opts NegotiatorOptions) *Negotiator {
	if !opts.Bitpool.Valid() {
		opts.Bitpool = DefaultConfig().Bitpool()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	n := &Negotiator{
		role:   opts.Role,
		cpFlag: CPCopyFree,
		logger: opts.Logger.WithComponent("codec"),
	}
	if opts.ContentProtection {
		n.cpFlag = CPCopyNever
	}
	if opts.Role == RoleSink {
		n.localCaps = SinkCaps()
	} else {
		n.localCaps = SourceCaps(opts.Bitpool)
	}
	n.Reset()
	return n
}

// Reset возвращает конфигурацию по умолчанию с локальными границами bitpool
func (n *Negotiator) Reset() {
	n.current = DefaultConfig().WithBitpool(NegotiateBitpool(n.localCaps.Bitpool(), &BitpoolRange{Min: MinBitpool, Max: 53}))
	n.remotePref = nil
}

func (n *Negotiator) Role() Role         { return n.role }
func (n *Negotiator) Peer() *Peer        { return &n.peer }
func (n *Negotiator) Current() SBCInfo   { return n.current }
func (n *Negotiator) LocalCaps() SBCInfo { return n.localCaps }
func (n *Negotiator) CPActive() bool     { return n.peer.CPActive }
func (n *Negotiator) CPRequired() bool   { return n.cpFlag != CPCopyFree }
func (n *Negotiator) CPFlag() byte       { return n.cpFlag }

// SetCPFlag меняет флаг SCMS-T для следующих согласований
func (n *Negotiator) SetCPFlag(flag byte) {
	n.cpFlag = flag & cpCopyMask
}

// RemoteBitpoolPreference диапазон bitpool из конфигурации пира, nil если ее не было
func (n *Negotiator) RemoteBitpoolPreference() *BitpoolRange {
	if n.remotePref == nil {
		return nil
	}
	r := *n.remotePref
	return &r
}

// OnDiscovery начинает новую запись пира по результатам обнаружения
// Решение акцептора, принятое по конфигурации пира, сохраняется.
func (n *Negotiator) OnDiscovery(addr string, numSeps, numSinks, numSources int) {
	n.peer.Addr = addr
	n.peer.Sinks = nil
	n.peer.Sources = nil
	n.peer.NumRxSinks = 0
	n.peer.NumRxSources = 0
	n.peer.NumSeps = numSeps
	n.peer.NumSinks = numSinks
	n.peer.NumSources = numSources
	n.logger.Debug(context.Background(), "обнаружены конечные точки",
		logging.String("peer", addr), logging.Int("seps", numSeps),
		logging.Int("sinks", numSinks), logging.Int("sources", numSources))
}

// OnCapability запоминает возможности конечной точки пира.
// Пока ответы получены не от всех точек, возвращает nil, nil.
// После последнего ответа выбирает конфигурацию.
func (n *Negotiator) OnCapability(ep Endpoint, isSink bool) (*Selection, error) {
	if !n.peer.addEndpoint(ep, isSink) {
		n.logger.Warn(context.Background(), "слишком много конечных точек, точка пропущена",
			logging.Int("index", ep.Index))
	}

	if n.role == RoleSource {
		if n.peer.NumRxSinks < n.peer.NumSinks {
			return nil, nil
		}
		return n.selectForSource()
	}
	if n.peer.NumRxSources < n.peer.NumSources {
		return nil, nil
	}
	return n.selectForSink()
}

func (n *Negotiator) selectForSource() (*Selection, error) {
	ep, err := n.SelectConfiguration(&n.peer)
	if err != nil {
		return nil, n.withPeer(err)
	}
	if !n.SinkSupportsCP(ep) {
		return nil, n.withPeer(newNegotiationError(StatusCPNotSupported, "пир не поддерживает SCMS-T"))
	}
	caps, err := ParseSBCInfo(ep.Caps, true)
	if err != nil {
		return nil, n.withPeer(err)
	}
	cfg := n.BuildConfig(caps)
	sel, _ := n.applySelection(ep, cfg.Bytes(), n.CPRequired())
	return sel, nil
}

func (n *Negotiator) selectForSink() (*Selection, error) {
	for i := range n.peer.Sources {
		ep := &n.peer.Sources[i]
		if ep.CodecType != CodecSBC {
			continue
		}
		caps, err := ParseSBCInfo(ep.Caps, true)
		if err != nil {
			continue
		}
		cfg := BuildPreferredConfig(caps)
		cfg = cfg.WithBitpool(NegotiateBitpool(n.localCaps.Bitpool(), &BitpoolRange{Min: int(caps.MinBitpool), Max: int(caps.MaxBitpool)}))
		if !ConfigInCaps(cfg, n.localCaps) || !ConfigInCaps(cfg, caps) {
			continue
		}
		cpActive := n.CPRequired() && hasSCMST(ep.Protect, ep.NumProtect)
		sel, _ := n.applySelection(ep, cfg.Bytes(), cpActive)
		return sel, nil
	}
	return nil, n.withPeer(newNegotiationError(StatusFeedingNotSupported, "нет подходящего источника SBC"))
}

// applySelection сохраняет выбор и решает, нужна ли переконфигурация.
// Второй результат сообщает, изменилась ли конфигурация относительно активной.
func (n *Negotiator) applySelection(ep *Endpoint, cfg []byte, cpActive bool) (*Selection, bool) {
	changed := n.peer.Selected == nil || n.peer.Selected.Index != ep.Index ||
		!bytes.Equal(n.peer.Config, cfg) || n.peer.CPActive != cpActive

	selected := *ep
	n.peer.Selected = &selected
	n.peer.Config = cfg
	n.peer.CPActive = cpActive
	if changed {
		n.peer.ReconfigNeeded = true
	}

	sel := &Selection{
		Endpoint:    selected,
		Config:      append([]byte(nil), cfg...),
		CPActive:    cpActive,
		Reconfigure: n.peer.Acceptor && n.peer.ReconfigNeeded,
	}
	// инициатор сообщает конфигурацию напрямую, акцептор через переконфигурацию
	n.peer.ReconfigNeeded = false
	return sel, changed
}

// SelectConfiguration выбирает первую конечную точку-приемник пира,
// совместимую с текущей конфигурацией. Границы bitpool не проверяются.
func (n *Negotiator) SelectConfiguration(peer *Peer) (*Endpoint, error) {
	candidates := peer.Sinks
	if len(candidates) == 0 && peer.Acceptor && peer.Selected != nil {
		// возможности не запрашивались, доступна только конфигурация пира
		candidates = []Endpoint{*peer.Selected}
	}
	for i := range candidates {
		ep := &candidates[i]
		if ep.CodecType != CodecSBC {
			continue
		}
		caps, err := ParseSBCInfo(ep.Caps, true)
		if err != nil {
			n.logger.Debug(context.Background(), "некорректные возможности конечной точки",
				logging.Int("index", ep.Index), logging.Err(err))
			continue
		}
		if MatchesCaps(n.current, caps) {
			return ep, nil
		}
	}
	return nil, newNegotiationError(StatusFeedingNotSupported, "нет конечной точки для %s", n.current)
}

// BuildPreferredConfig выбирает лучшие значения из возможностей пира:
// 48k > 44.1k, joint > stereo > dual > mono, больше блоков и поддиапазонов,
// loudness > SNR. Границы bitpool копируются как есть.
func BuildPreferredConfig(caps SBCInfo) SBCInfo {
	cfg := DefaultConfig()
	cfg.SampleFreq = pickFirst(caps.SampleFreq, cfg.SampleFreq,
		SampleFreq48000, SampleFreq44100, SampleFreq32000, SampleFreq16000)
	cfg.ChannelMode = pickFirst(caps.ChannelMode, cfg.ChannelMode,
		ChannelJoint, ChannelStereo, ChannelDual, ChannelMono)
	cfg.BlockLen = pickFirst(caps.BlockLen, cfg.BlockLen,
		Block16, Block12, Block8, Block4)
	cfg.Subbands = pickFirst(caps.Subbands, cfg.Subbands,
		Subbands8, Subbands4)
	cfg.AllocMethod = pickFirst(caps.AllocMethod, cfg.AllocMethod,
		AllocLoudness, AllocSNR)
	cfg.MinBitpool = caps.MinBitpool
	cfg.MaxBitpool = caps.MaxBitpool
	return cfg
}

func pickFirst(mask, fallback uint8, order ...uint8) uint8 {
	for _, v := range order {
		if mask&v != 0 {
			return v
		}
	}
	return fallback
}

// BuildConfig текущая конфигурация с bitpool, суженным до возможностей пира
func (n *Negotiator) BuildConfig(peerCaps SBCInfo) SBCInfo {
	remote := peerCaps.Bitpool()
	return n.current.WithBitpool(NegotiateBitpool(n.localCaps.Bitpool(), &remote))
}

// SinkSupportsCP проверяет защиту контента у приемника.
// Если защита не требуется, подходит любой приемник.
func (n *Negotiator) SinkSupportsCP(ep *Endpoint) bool {
	if !n.CPRequired() {
		return true
	}
	return hasSCMST(ep.Protect, ep.NumProtect)
}

// SetCodec подбирает частоту SBC под формат PCM и проверяет поддержку пиром
func (n *Negotiator) SetCodec(f Feeding) (*Selection, error) {
	if err := f.Validate(); err != nil {
		return nil, n.withPeer(err)
	}
	freq, _ := f.SBCFreq()
	prev := n.current
	n.current.SampleFreq = freq
	sel, err := n.CodecSupported()
	if err != nil {
		n.current = prev
		return nil, err
	}
	return sel, nil
}

// CodecSupported проверяет текущую конфигурацию против открытого пира
func (n *Negotiator) CodecSupported() (*Selection, error) {
	if n.role == RoleSink {
		return nil, n.withPeer(newNegotiationError(StatusWrongCodec, "роль приемника не выбирает конфигурацию"))
	}
	ep, err := n.SelectConfiguration(&n.peer)
	if err != nil {
		return nil, n.withPeer(err)
	}
	if !n.SinkSupportsCP(ep) {
		return nil, n.withPeer(newNegotiationError(StatusCPNotSupported, "пир не поддерживает SCMS-T"))
	}
	caps, err := ParseSBCInfo(ep.Caps, true)
	if err != nil {
		return nil, n.withPeer(err)
	}
	cfg := n.BuildConfig(caps)
	sel, changed := n.applySelection(ep, cfg.Bytes(), n.CPRequired())
	if changed {
		// поток уже согласован, новая конфигурация применяется только переконфигурацией
		sel.Reconfigure = true
	}
	return sel, nil
}

// SetConfiguration обрабатывает конфигурацию, предложенную пиром
func (n *Negotiator) SetConfiguration(req SetConfigRequest) SetConfigResult {
	ctx := context.Background()
	fail := func(status Status, msg string) SetConfigResult {
		n.logger.Warn(ctx, "конфигурация пира отклонена",
			logging.String("peer", req.Addr), logging.String("status", status.String()),
			logging.String("reason", msg))
		return SetConfigResult{Status: status}
	}

	cpActive := false
	switch {
	case req.NumProtect == 0:
	case req.NumProtect == 1 && IsSCMST(req.Protect):
		cpActive = true
	default:
		return fail(StatusBadCPType, "неподдерживаемая защита контента")
	}
	if n.CPRequired() && !cpActive && n.role == RoleSource {
		return fail(StatusCPNotSupported, "требуется SCMS-T")
	}

	if req.CodecType != CodecSBC {
		return fail(StatusWrongCodec, fmt.Sprintf("кодек 0x%02x", uint8(req.CodecType)))
	}
	cfg, err := ParseSBCInfo(req.Info, false)
	if err != nil {
		return fail(StatusOf(err), err.Error())
	}

	recfg := false
	if n.role == RoleSource {
		// bitpool сравнивается отдельно, его подстраивает кодировщик
		if !MatchesCaps(cfg, n.localCaps) || cfg.AllocMethod&n.localCaps.AllocMethod == 0 {
			return fail(StatusBadParams, cfg.String())
		}
		cur := n.current.Bytes()
		recfg = !bytes.Equal(cur[:5], req.Info[:5]) || (cpActive && !n.peer.CPActive)
		pref := cfg.Bitpool()
		n.remotePref = &pref
	} else if !ConfigInCaps(cfg, n.localCaps) {
		return fail(StatusBadParams, cfg.String())
	}

	if n.peer.Addr == "" {
		n.peer.Addr = req.Addr
	}
	ep := Endpoint{Index: req.Index, SEID: req.SEID, CodecType: req.CodecType, Caps: append([]byte(nil), req.Info...),
		Protect: append([]byte(nil), req.Protect...), NumProtect: req.NumProtect}
	n.peer.Selected = &ep
	n.peer.Config = append([]byte(nil), req.Info...)
	n.peer.CPActive = cpActive
	n.peer.Acceptor = true
	n.peer.ReconfigNeeded = recfg
	if n.role == RoleSink {
		n.current = cfg
	}

	n.logger.Info(ctx, "конфигурация пира принята",
		logging.String("peer", req.Addr), logging.String("config", cfg.String()),
		logging.Bool("cp_active", cpActive), logging.Bool("reconfig_needed", recfg))
	return SetConfigResult{Status: StatusSuccess, ReconfigNeeded: recfg}
}

// OnOpen отмечает пира открытым и запоминает MTU транспорта
func (n *Negotiator) OnOpen(mtu int) {
	n.peer.Opened = true
	n.peer.MTU = mtu
}

// OnClose очищает пира и предпочтения, полученные от него
func (n *Negotiator) OnClose() {
	n.peer.Reset()
	n.remotePref = nil
}

// SBCConfig активная конфигурация с bitpool, суженным до возможностей выбранного приемника,
// и MTU пира
func (n *Negotiator) SBCConfig() (SBCInfo, int) {
	cfg := n.current
	if n.role == RoleSink {
		if info, err := ParseSBCInfo(n.peer.Config, false); err == nil {
			cfg = info
		}
		return cfg, n.peer.MTU
	}
	if ep := n.peer.Selected; ep != nil {
		if caps, err := ParseSBCInfo(ep.Caps, true); err == nil {
			r := caps.Bitpool()
			cfg = cfg.WithBitpool(NegotiateBitpool(cfg.Bitpool(), &r))
		}
	}
	return cfg, n.peer.MTU
}

// ActiveConfig согласованный информационный элемент пира
func (n *Negotiator) ActiveConfig() []byte {
	return append([]byte(nil), n.peer.Config...)
}

func (n *Negotiator) withPeer(err error) error {
	if ne, ok := err.(*NegotiationError); ok && ne.Peer == "" {
		ne.Peer = n.peer.Addr
	}
	return err
}
