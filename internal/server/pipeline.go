package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kertaslab/papergate/internal/freepool"
	"github.com/kertaslab/papergate/internal/ledger"
	"github.com/kertaslab/papergate/internal/metrics"
	"github.com/kertaslab/papergate/internal/models"
	"github.com/kertaslab/papergate/internal/provider"
	"github.com/kertaslab/papergate/internal/selector"
	"github.com/kertaslab/papergate/internal/usage"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// meteredCall parameterizes the pipeline per endpoint. Handlers supply prompt
// building (messages) and the provider invocation; everything else, from
// admission to audit, is shared.
type meteredCall struct {
	kind         string
	logicalModel string
	messages     []usage.Message

	// forceSecondary routes past the selector's choice to the non-subsidized
	// provider; the subsidy is then never applied.
	forceSecondary bool

	// invoke performs the provider call. Streaming handlers relay output to
	// the client inside it. It returns whatever usage the provider reported.
	invoke func(ctx context.Context, client provider.Client, providerModel string, tracker *usage.Tracker) (*usage.Counts, error)
}

// runMetered is the one pipeline every LLM endpoint flows through:
// admission, provider selection, pre-flight pricing, balance pre-check,
// provider call, usage finalization, charge, subsidy decrement, audit.
// It returns true when the call succeeded and the handler may write its
// success body. Accounting runs on every exit path past admission, with a
// background context so client disconnects cannot starve it.
func (s *Server) runMetered(c *gin.Context, call meteredCall) bool {
	reqID := requestID(c)
	uid := userID(c)

	if !s.admission.Acquire(uid) {
		metrics.AdmissionRejects.Inc()
		c.Header("Retry-After", strconv.Itoa(s.cfg.Policy.RetryAfterSecond))
		writeError(c, reqID, http.StatusTooManyRequests, codeRateLimited, "too many concurrent requests")
		s.auditOutcome(&models.RequestAudit{
			RequestID:         reqID,
			UserID:            uid,
			EndpointKind:      call.kind,
			LogicalModel:      call.logicalModel,
			HTTPStatus:        http.StatusTooManyRequests,
			TerminationReason: terminationRateLimited,
		})
		return false
	}
	defer s.admission.Release(uid)
	metrics.RequestsInFlight.Inc()
	defer metrics.RequestsInFlight.Dec()

	ctx := c.Request.Context()
	dateKey := freepool.DateKey(time.Now())

	choice, errSelect := s.selector.Select(ctx, uid, dateKey, call.kind)
	if errSelect != nil {
		log.WithError(errSelect).WithField("request_id", reqID).Error("provider selection failed")
		writeError(c, reqID, http.StatusInternalServerError, codeInternalError, "selection failed")
		s.auditOutcome(&models.RequestAudit{
			RequestID:         reqID,
			UserID:            uid,
			EndpointKind:      call.kind,
			LogicalModel:      call.logicalModel,
			HTTPStatus:        http.StatusInternalServerError,
			TerminationReason: terminationInternalError,
		})
		return false
	}

	actualProvider := choice.Provider
	if call.forceSecondary {
		actualProvider = selector.ProviderSecondary
	}
	client := s.clientFor(actualProvider)

	providerModel, okModel := s.providerModelID(actualProvider, call.logicalModel)
	if !okModel {
		writeError(c, reqID, http.StatusBadRequest, codeBadRequest, "unsupported model")
		s.auditOutcome(&models.RequestAudit{
			RequestID:         reqID,
			UserID:            uid,
			EndpointKind:      call.kind,
			SelectedProvider:  choice.Provider,
			SelectionReason:   choice.Reason,
			LogicalModel:      call.logicalModel,
			HTTPStatus:        http.StatusBadRequest,
			TerminationReason: terminationValidationError,
		})
		return false
	}

	tracker := s.newTracker(call.logicalModel)
	tracker.RecordInputMessages(call.messages)

	rate := s.rates.Current(ctx)
	priceUSD := s.cfg.Pricing.ModelsUSDPerMTok[call.logicalModel]

	preflight, errPre := s.estimator.Estimate(call.logicalModel, tracker.InputWordEstimate(), 0, rate.Rate)
	if errPre != nil {
		writeError(c, reqID, http.StatusBadRequest, codeBadRequest, "unsupported model")
		s.auditOutcome(&models.RequestAudit{
			RequestID:         reqID,
			UserID:            uid,
			EndpointKind:      call.kind,
			SelectedProvider:  choice.Provider,
			SelectionReason:   choice.Reason,
			LogicalModel:      call.logicalModel,
			FxRate:            rate.Rate,
			HTTPStatus:        http.StatusBadRequest,
			TerminationReason: terminationValidationError,
		})
		return false
	}

	balance, errBalance := s.ledger.Balance(ctx, uid)
	if errBalance != nil {
		log.WithError(errBalance).WithField("request_id", reqID).Error("balance read failed")
		writeError(c, reqID, http.StatusInternalServerError, codeInternalError, "balance unavailable")
		s.auditOutcome(&models.RequestAudit{
			RequestID:         reqID,
			UserID:            uid,
			EndpointKind:      call.kind,
			SelectedProvider:  choice.Provider,
			SelectionReason:   choice.Reason,
			LogicalModel:      call.logicalModel,
			HTTPStatus:        http.StatusInternalServerError,
			TerminationReason: terminationInternalError,
		})
		return false
	}
	if balance < preflight.CostIDR {
		shortfall := preflight.CostIDR - balance
		c.JSON(http.StatusPaymentRequired, gin.H{
			"ok":         false,
			"request_id": reqID,
			"code":       codeInsufficient,
			"needed":     preflight.CostIDR,
			"balance":    balance,
			"shortfall":  shortfall,
		})
		s.auditOutcome(&models.RequestAudit{
			RequestID:         reqID,
			UserID:            uid,
			EndpointKind:      call.kind,
			SelectedProvider:  choice.Provider,
			ActualProvider:    actualProvider,
			SelectionReason:   choice.Reason,
			LogicalModel:      call.logicalModel,
			ProviderModelID:   providerModel,
			FxRate:            rate.Rate,
			PriceUSDPerMTokens: priceUSD,
			MarkupMultiplier:  s.cfg.Pricing.Markup,
			CostIDR:           preflight.CostIDR,
			BalanceBeforeIDR:  &balance,
			BalanceAfterIDR:   &balance,
			ChargeStatus:      "insufficient",
			HTTPStatus:        http.StatusPaymentRequired,
			TerminationReason: terminationInsufficient,
		})
		return false
	}

	errCall := func() error {
		counts, err := call.invoke(ctx, client, providerModel, tracker)
		// Accounting runs regardless of how the call ended, detached from
		// the request context so an aborted client still pays for what it
		// consumed.
		s.settle(context.Background(), settleInput{
			reqID:          reqID,
			uid:            uid,
			kind:           call.kind,
			logicalModel:   call.logicalModel,
			providerModel:  providerModel,
			choice:         choice,
			actualProvider: actualProvider,
			subsidized:     !call.forceSecondary && choice.Reason == selector.ReasonFreeUser && actualProvider == selector.ProviderPrimary,
			dateKey:        dateKey,
			fxRate:         rate.Rate,
			priceUSD:       priceUSD,
			tracker:        tracker,
			counts:         counts,
			callErr:        err,
		})
		return err
	}()

	if errCall != nil {
		status, code, _ := classifyCallError(c, errCall)
		if status != 0 && !c.Writer.Written() {
			writeError(c, reqID, status, code, errCall.Error())
		}
		return false
	}
	return true
}

type settleInput struct {
	reqID          string
	uid            string
	kind           string
	logicalModel   string
	providerModel  string
	choice         selector.Choice
	actualProvider string
	subsidized     bool
	dateKey        string
	fxRate         float64
	priceUSD       float64
	tracker        *usage.Tracker
	counts         *usage.Counts
	callErr        error
}

// settle finalizes usage, prices it, charges the ledger, applies the subsidy
// decrement and writes the audit row. It never fails the request; accounting
// errors are logged and recorded.
func (s *Server) settle(ctx context.Context, in settleInput) {
	record := in.tracker.Finalize(in.counts)

	// Price the finalized total directly; a provider-reported total may
	// differ from the input+output sum.
	final, errEst := s.estimator.Estimate(in.logicalModel, record.TotalTokens, 0, in.fxRate)
	if errEst != nil {
		// Unpriceable models are rejected pre-flight; reaching here means a
		// config change mid-request. Record with zero cost.
		log.WithError(errEst).WithField("request_id", in.reqID).Error("final estimate failed")
	}

	termination := terminationSuccess
	httpStatus := http.StatusOK
	if in.callErr != nil {
		httpStatus, termination = classifyCallErrorDetached(in.callErr)
	}

	// No output means no provider value delivered; only failed calls skip
	// the charge on that basis.
	producedOutput := record.OutputTokens > 0 || in.counts.Any()
	shouldCharge := final.CostIDR > 0 && (in.callErr == nil || producedOutput)

	chargeStatus := "skipped"
	var balanceBefore, balanceAfter *int64
	if shouldCharge {
		applied, errCharge := s.ledger.Charge(ctx, in.uid, in.reqID, final.CostIDR)
		switch {
		case errCharge == nil:
			chargeStatus = "charged"
			balanceBefore = &applied.BalanceBeforeIDR
			balanceAfter = &applied.BalanceAfterIDR
			if applied.Applied {
				metrics.RupiahCharged.Add(float64(final.CostIDR))
			}
		default:
			var insufficient *ledger.InsufficientFundsError
			if errors.As(errCharge, &insufficient) {
				// Post-hoc shortfall: output already delivered, nothing to
				// claw back. Recorded, not reconciled.
				chargeStatus = "insufficient"
				balanceBefore = &insufficient.BalanceIDR
				balanceAfter = &insufficient.BalanceIDR
				log.WithFields(log.Fields{
					"request_id": in.reqID,
					"needed":     final.CostIDR,
					"balance":    insufficient.BalanceIDR,
				}).Warn("post-hoc charge exceeded balance")
			} else {
				chargeStatus = "error"
				log.WithError(errCharge).WithField("request_id", in.reqID).Error("charge failed")
			}
		}
	}

	poolApplied := false
	var poolDecrement int64
	if in.subsidized && record.TotalTokens > 0 {
		spend, errSpend := s.pool.Spend(ctx, in.reqID, in.uid, in.dateKey, record.TotalTokens)
		if errSpend != nil {
			log.WithError(errSpend).WithField("request_id", in.reqID).Error("free pool spend failed")
		} else if spend.Applied {
			poolApplied = true
			poolDecrement = record.TotalTokens
			metrics.FreePoolSpends.Inc()
		}
	}

	metrics.RequestsTotal.WithLabelValues(in.kind, in.actualProvider, termination).Inc()
	metrics.TokensCharged.WithLabelValues(record.Source).Add(float64(record.TotalTokens))

	s.auditOutcome(&models.RequestAudit{
		RequestID:        in.reqID,
		UserID:           in.uid,
		EndpointKind:     in.kind,
		SelectedProvider: in.choice.Provider,
		ActualProvider:   in.actualProvider,
		SelectionReason:  in.choice.Reason,
		LogicalModel:     in.logicalModel,
		ProviderModelID:  in.providerModel,

		UsageSource:          record.Source,
		InputTokens:          record.InputTokens,
		OutputTokens:         record.OutputTokens,
		TotalTokens:          record.TotalTokens,
		TokenizerEncoding:    record.Encoding,
		TokenizerFallback:    record.FallbackReason,
		ProviderUsagePresent: in.counts.Any(),
		ProviderUsageFields:  usageFieldsJSON(in.counts),

		FxRate:             in.fxRate,
		PriceUSDPerMTokens: in.priceUSD,
		MarkupMultiplier:   s.cfg.Pricing.Markup,
		CostIDR:            final.CostIDR,

		BalanceBeforeIDR: balanceBefore,
		BalanceAfterIDR:  balanceAfter,
		ChargeStatus:     chargeStatus,

		FreePoolApplied:         poolApplied,
		FreePoolDecrementTokens: poolDecrement,
		FreePoolReason:          in.choice.Reason,

		HTTPStatus:        httpStatus,
		TerminationReason: termination,
	})
}

// classifyCallErrorDetached mirrors classifyCallError without a gin context;
// settle runs after the request may already be gone. 499 marks a client
// that disconnected before the response completed.
func classifyCallErrorDetached(err error) (status int, termination string) {
	if errors.Is(err, context.Canceled) {
		return 499, terminationClientAbort
	}
	if errors.Is(err, errStructuredInvalid) {
		return http.StatusBadGateway, terminationStructuredInvalid
	}
	var perr *provider.Error
	if errors.As(err, &perr) && perr.Code == provider.CodeTimeout {
		return http.StatusGatewayTimeout, terminationTimeout
	}
	return http.StatusBadGateway, terminationUpstreamError
}

// auditOutcome writes the audit row, logging rather than failing on error.
func (s *Server) auditOutcome(record *models.RequestAudit) {
	if errAudit := s.audit.Upsert(context.Background(), record); errAudit != nil {
		log.WithError(errAudit).WithField("request_id", record.RequestID).Error("audit write failed")
	}
}

// usageFieldsJSON records which counts the provider actually reported.
func usageFieldsJSON(counts *usage.Counts) datatypes.JSON {
	if !counts.Any() {
		return nil
	}
	fields := map[string]bool{
		"input":  counts.Input != nil,
		"output": counts.Output != nil,
		"total":  counts.Total != nil,
	}
	raw, errMarshal := json.Marshal(fields)
	if errMarshal != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

// addCounts sums two normalized usage reports, for flows that call the
// provider more than once per request.
func addCounts(a, b *usage.Counts) *usage.Counts {
	if !a.Any() {
		return b
	}
	if !b.Any() {
		return a
	}
	sum := func(x, y *int64) *int64 {
		if x == nil && y == nil {
			return nil
		}
		total := int64(0)
		if x != nil {
			total += *x
		}
		if y != nil {
			total += *y
		}
		return &total
	}
	return &usage.Counts{
		Input:  sum(a.Input, b.Input),
		Output: sum(a.Output, b.Output),
		Total:  sum(a.Total, b.Total),
	}
}
