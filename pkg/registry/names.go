package registry

// Names of the endpoints known to the TabPFN service.
const (
	EndpointRoot                     = "root"
	EndpointPasswordPolicy           = "password_policy"
	EndpointValidateEmail            = "validate_email"
	EndpointRegister                 = "register"
	EndpointLogin                    = "login"
	EndpointSendVerificationEmail    = "send_verification_email"
	EndpointVerifyEmail              = "verify_email"
	EndpointSendResetPasswordEmail   = "send_reset_password_email"
	EndpointRetrieveGreetingMessages = "retrieve_greeting_messages"
	EndpointProtectedRoot            = "protected_root"
	EndpointUploadTestSet            = "upload_test_set"
	EndpointUploadTrainSet           = "upload_train_set"
	EndpointFit                      = "fit"
	EndpointPredict                  = "predict"
	EndpointPredictProba             = "predict_proba"
	EndpointGetDataSummary           = "get_data_summary"
	EndpointDownloadAllData          = "download_all_data"
	EndpointDeleteDataset            = "delete_dataset"
	EndpointDeleteAllDatasets        = "delete_all_datasets"
	EndpointDeleteUserAccount        = "delete_user_account"
	EndpointGetAPIUsage              = "get_api_usage"
)
