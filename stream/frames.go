package stream

// KIS realtime TR ids.
const (
	trTradeTick  = "H0STCNT0" // realtime trade
	trOrderBook  = "H0STASP0" // realtime best quotes
	trExecNotice = "H0STCNI0" // execution notice, keyed by account
	trPingPong   = "PINGPONG"
)

// Subscription directions.
const (
	trTypeSubscribe   = "1"
	trTypeUnsubscribe = "2"
)

// request is the outbound frame shape: the approval header plus an
// optional (tr_id, tr_key) input block.
type request struct {
	Header requestHeader `json:"header"`
	Body   *requestBody  `json:"body,omitempty"`
}

type requestHeader struct {
	ApprovalKey string `json:"approval_key"`
	CustType    string `json:"custtype"`
	TrType      string `json:"tr_type"`
	ContentType string `json:"content-type"`
}

type requestBody struct {
	Input requestInput `json:"input"`
}

type requestInput struct {
	TrID  string `json:"tr_id"`
	TrKey string `json:"tr_key"`
}

func newRequest(approvalKey, trType, trID, trKey string) request {
	return request{
		Header: requestHeader{
			ApprovalKey: approvalKey,
			CustType:    "P",
			TrType:      trType,
			ContentType: "utf-8",
		},
		Body: &requestBody{Input: requestInput{TrID: trID, TrKey: trKey}},
	}
}

// frame is the inbound shape shared by data frames, execution notices
// and subscription acknowledgements.
type frame struct {
	Header struct {
		TrID  string `json:"tr_id"`
		TrKey string `json:"tr_key"`
	} `json:"header"`
	Body struct {
		RtCd   string            `json:"rt_cd"`
		Msg    string            `json:"msg1"`
		Output map[string]string `json:"output"`
	} `json:"body"`
}
