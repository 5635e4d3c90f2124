package config

import (
	"os"
	"strconv"
)

// FromEnv overlays BEAM_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("BEAM_DIR"); v != "" {
		cfg.DirName = v
	}
	if v := os.Getenv("BEAM_THREADING_MODE"); v != "" {
		cfg.ThreadingMode = ThreadingMode(v)
	}
	overlayInt32(&cfg.TermBufferLength, "BEAM_TERM_BUFFER_LENGTH")
	overlayInt32(&cfg.IPCTermBufferLength, "BEAM_IPC_TERM_BUFFER_LENGTH")
	overlayInt32(&cfg.MTULength, "BEAM_MTU_LENGTH")
	overlayInt32(&cfg.InitialWindowLength, "BEAM_INITIAL_WINDOW_LENGTH")
	overlayInt32(&cfg.FilePageSize, "BEAM_FILE_PAGE_SIZE")
	overlayInt32(&cfg.ConductorBufferLength, "BEAM_CONDUCTOR_BUFFER_LENGTH")
	overlayInt32(&cfg.ToClientsBufferLength, "BEAM_TO_CLIENTS_BUFFER_LENGTH")
	overlayInt32(&cfg.CounterValuesBufferLength, "BEAM_COUNTERS_BUFFER_LENGTH")
	overlayInt32(&cfg.ErrorBufferLength, "BEAM_ERROR_BUFFER_LENGTH")
	overlayInt32(&cfg.LossReportBufferLength, "BEAM_LOSS_REPORT_BUFFER_LENGTH")
	overlayDuration(&cfg.PublicationUnblockTimeout, "BEAM_PUBLICATION_UNBLOCK_TIMEOUT")
	overlayDuration(&cfg.PublicationLingerTimeout, "BEAM_PUBLICATION_LINGER_TIMEOUT")
	overlayDuration(&cfg.ImageLivenessTimeout, "BEAM_IMAGE_LIVENESS_TIMEOUT")
	overlayDuration(&cfg.ClientLivenessTimeout, "BEAM_CLIENT_LIVENESS_TIMEOUT")
	overlayDuration(&cfg.StatusMessageTimeout, "BEAM_STATUS_MESSAGE_TIMEOUT")
	overlayDuration(&cfg.NakUnicastDelay, "BEAM_NAK_UNICAST_DELAY")
	overlayDuration(&cfg.NakMulticastMaxBackoff, "BEAM_NAK_MULTICAST_MAX_BACKOFF")
	overlayDuration(&cfg.UntetheredWindowLimitTimeout, "BEAM_UNTETHERED_WINDOW_LIMIT_TIMEOUT")
	overlayDuration(&cfg.UntetheredLingerTimeout, "BEAM_UNTETHERED_LINGER_TIMEOUT")
	overlayDuration(&cfg.UntetheredRestingTimeout, "BEAM_UNTETHERED_RESTING_TIMEOUT")
	overlayDuration(&cfg.CounterFreeToReuseTimeout, "BEAM_COUNTER_FREE_TO_REUSE_TIMEOUT")
	overlayDuration(&cfg.FlowControlReceiverTimeout, "BEAM_FC_RECEIVER_TIMEOUT")
	if v := os.Getenv("BEAM_SPIES_SIMULATE_CONNECTION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SpiesSimulateConnection = b
		}
	}
	if v := os.Getenv("BEAM_ASYNC_EXECUTOR_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AsyncTaskExecutorThreads = n
		}
	}
}

func overlayInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func overlayDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
